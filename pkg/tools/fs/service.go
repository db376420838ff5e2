package fs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"threadloom/pkg/workspace"
)

const (
	MaxReadBytes             = 256 * 1024
	MaxListEntries           = 500
	MaxSearchMatches         = 200
	MaxSearchFileBytes       = 1024 * 1024
	MaxToolOperationDuration = 10 * time.Second
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

var errSearchLimit = errors.New("search match limit reached")

// Service runs bounded, read-only filesystem operations inside a repository checkout.
type Service struct {
	guard                    *workspace.Guard
	maxReadBytes             int
	maxListEntries           int
	maxSearchMatches         int
	maxToolOperationDuration time.Duration
}

type ReadResult struct {
	Path    string
	Content string
	Bytes   int
}

type ListEntry struct {
	Name  string
	Type  string
	Size  int64
	IsDir bool
}

type ListResult struct {
	Path      string
	Entries   []ListEntry
	Truncated bool
	Total     int
}

// SearchMatch is one line containing the query.
type SearchMatch struct {
	Path string
	Line int
	Text string
}

type SearchResult struct {
	Path      string
	Matches   []SearchMatch
	Truncated bool
	Scanned   int
}

// NewService creates a repository-bounded filesystem service.
func NewService(guard *workspace.Guard) *Service {
	return &Service{
		guard:                    guard,
		maxReadBytes:             MaxReadBytes,
		maxListEntries:           MaxListEntries,
		maxSearchMatches:         MaxSearchMatches,
		maxToolOperationDuration: MaxToolOperationDuration,
	}
}

func (s *Service) ReadFile(ctx context.Context, path string) (ReadResult, error) {
	ctx, cancel := s.withOperationContext(ctx)
	defer cancel()

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return ReadResult{}, err
	}

	if err := checkContext(ctx); err != nil {
		return ReadResult{}, err
	}

	info, err := os.Stat(resolvedPath)
	if err != nil {
		return ReadResult{}, workspace.NormalizeIOError(err, "stat failed")
	}
	if info.IsDir() {
		return ReadResult{}, workspace.NewError(workspace.ErrorInvalidPath, "path is a directory")
	}
	if info.Size() > int64(s.maxReadBytes) {
		return ReadResult{}, workspace.NewError(workspace.ErrorTooLarge, fmt.Sprintf("file exceeds max_read_bytes (%d)", s.maxReadBytes))
	}

	content, err := os.ReadFile(resolvedPath)
	if err != nil {
		return ReadResult{}, workspace.NormalizeIOError(err, "read failed")
	}
	if err := ensureText(content); err != nil {
		return ReadResult{}, err
	}

	return ReadResult{
		Path:    resolvedPath,
		Content: string(content),
		Bytes:   len(content),
	}, nil
}

func (s *Service) ListDir(ctx context.Context, path string) (ListResult, error) {
	ctx, cancel := s.withOperationContext(ctx)
	defer cancel()

	if strings.TrimSpace(path) == "" {
		path = "."
	}
	if err := checkContext(ctx); err != nil {
		return ListResult{}, err
	}

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return ListResult{}, err
	}

	entries, err := os.ReadDir(resolvedPath)
	if err != nil {
		return ListResult{}, workspace.NormalizeIOError(err, "list directory failed")
	}

	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	limited := entries
	truncated := false
	if len(entries) > s.maxListEntries {
		limited = entries[:s.maxListEntries]
		truncated = true
	}

	resultEntries := make([]ListEntry, 0, len(limited))
	for _, entry := range limited {
		entryInfo, infoErr := entry.Info()
		if infoErr != nil {
			return ListResult{}, workspace.NormalizeIOError(infoErr, "read directory metadata failed")
		}

		entryType := "file"
		if entry.IsDir() {
			entryType = "dir"
		}

		resultEntries = append(resultEntries, ListEntry{
			Name:  entry.Name(),
			Type:  entryType,
			Size:  entryInfo.Size(),
			IsDir: entry.IsDir(),
		})
	}

	return ListResult{
		Path:      resolvedPath,
		Entries:   resultEntries,
		Truncated: truncated,
		Total:     len(entries),
	}, nil
}

// SearchText finds lines containing query (case-sensitive) under path. Version-control
// and dependency directories, binary files and oversized files are skipped.
func (s *Service) SearchText(ctx context.Context, path string, query string) (SearchResult, error) {
	ctx, cancel := s.withOperationContext(ctx)
	defer cancel()

	if query == "" {
		return SearchResult{}, workspace.NewError(workspace.ErrorInvalidPath, "query must not be empty")
	}
	if strings.TrimSpace(path) == "" {
		path = "."
	}

	resolvedPath, err := s.guard.ResolvePath(path)
	if err != nil {
		return SearchResult{}, err
	}

	result := SearchResult{Path: resolvedPath}
	walkErr := filepath.WalkDir(resolvedPath, func(current string, entry iofs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if entry.IsDir() {
			if current != resolvedPath && skippedDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil || info.Size() > MaxSearchFileBytes {
			return nil
		}
		content, err := os.ReadFile(current)
		if err != nil || ensureText(content) != nil {
			return nil
		}
		result.Scanned++

		scanner := bufio.NewScanner(bytes.NewReader(content))
		scanner.Buffer(make([]byte, 0, 64*1024), MaxSearchFileBytes)
		line := 0
		for scanner.Scan() {
			line++
			text := scanner.Text()
			if !strings.Contains(text, query) {
				continue
			}
			if len(result.Matches) >= s.maxSearchMatches {
				result.Truncated = true
				return errSearchLimit
			}
			result.Matches = append(result.Matches, SearchMatch{
				Path: s.guard.RelPath(current),
				Line: line,
				Text: strings.TrimSpace(text),
			})
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errSearchLimit) {
		return SearchResult{}, workspace.NewError(workspace.ErrorIO, walkErr.Error())
	}

	return result, nil
}

func (s *Service) withOperationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	if s.maxToolOperationDuration <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, s.maxToolOperationDuration)
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return workspace.NewError(workspace.ErrorIO, err.Error())
	}

	return nil
}

func ensureText(content []byte) error {
	if bytes.IndexByte(content, 0) >= 0 || !utf8.Valid(content) {
		return workspace.NewError(workspace.ErrorIO, "file appears to be binary or invalid utf-8")
	}

	return nil
}
