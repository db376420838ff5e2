package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveRootExpandsHome(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)
	if err := os.Mkdir(filepath.Join(homeDir, "repo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	root, err := ResolveRoot("~/repo")
	if err != nil {
		t.Fatalf("ResolveRoot error: %v", err)
	}

	want, err := filepath.EvalSymlinks(filepath.Join(homeDir, "repo"))
	if err != nil {
		t.Fatalf("EvalSymlinks error: %v", err)
	}
	if root != want {
		t.Fatalf("ResolveRoot root = %q, want %q", root, want)
	}
}

func TestResolveRootRequiresExistingDirectory(t *testing.T) {
	if _, err := ResolveRoot(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing root")
	}

	file := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := ResolveRoot(file); err == nil {
		t.Fatal("expected error for file root")
	}
}

func TestResolvePathRejectsEmpty(t *testing.T) {
	guard := mustGuard(t)

	_, err := guard.ResolvePath("  ")
	if CategoryFromError(err) != ErrorInvalidPath {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorInvalidPath)
	}
}

func TestResolvePathRelativeInsideWorkspace(t *testing.T) {
	guard := mustGuard(t)

	resolved, err := guard.ResolvePath("notes/todo.txt")
	if err != nil {
		t.Fatalf("ResolvePath error: %v", err)
	}

	if !strings.HasPrefix(resolved, guard.Root()+string(filepath.Separator)) {
		t.Fatalf("resolved path = %q is not inside root %q", resolved, guard.Root())
	}
}

func TestResolvePathRejectsTraversalEscape(t *testing.T) {
	guard := mustGuard(t)

	_, err := guard.ResolvePath("../escape.txt")
	if CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideWorkspace)
	}
}

func TestResolvePathRejectsAbsoluteOutsideWorkspace(t *testing.T) {
	guard := mustGuard(t)
	outsideDir := t.TempDir()

	_, err := guard.ResolvePath(filepath.Join(outsideDir, "external.txt"))
	if CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideWorkspace)
	}
}

func TestResolvePathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outsideDir := t.TempDir()
	linkPath := filepath.Join(root, "out-link")
	if err := os.Symlink(outsideDir, linkPath); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	_, err = guard.ResolvePath("out-link/file.txt")
	if CategoryFromError(err) != ErrorOutsideWorkspace {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorOutsideWorkspace)
	}
}

func TestRelPath(t *testing.T) {
	guard := mustGuard(t)

	if got := guard.RelPath(filepath.Join(guard.Root(), "pkg", "a.go")); got != filepath.Join("pkg", "a.go") {
		t.Fatalf("RelPath = %q", got)
	}
	if got := guard.RelPath(guard.Root()); got != "." {
		t.Fatalf("RelPath(root) = %q, want .", got)
	}
}

func TestResolvePathRejectsDanglingSymlink(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink(filepath.Join(t.TempDir(), "gone"), filepath.Join(root, "dangling")); err != nil {
		t.Fatalf("create symlink: %v", err)
	}

	guard, err := NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	_, err = guard.ResolvePath("dangling/file.txt")
	if CategoryFromError(err) != ErrorInvalidPath {
		t.Fatalf("error category = %q, want %q", CategoryFromError(err), ErrorInvalidPath)
	}
}

func TestRelPathOutsideRoot(t *testing.T) {
	guard := mustGuard(t)
	outside := filepath.Join(t.TempDir(), "x.txt")

	if got := guard.RelPath(outside); got != outside {
		t.Fatalf("RelPath(outside) = %q, want %q", got, outside)
	}
}

func TestNormalizeIOError(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		wantCategory string
		wantText     string
	}{
		{name: "not exist", err: &os.PathError{Op: "open", Path: "/secret/a", Err: fs.ErrNotExist}, wantCategory: ErrorPathNotFound, wantText: "path_not_found: path does not exist"},
		{name: "permission", err: &os.PathError{Op: "open", Path: "/secret/a", Err: fs.ErrPermission}, wantCategory: ErrorPermissionDenied, wantText: "permission_denied: operation not permitted"},
		{name: "path error", err: &os.PathError{Op: "read", Path: "/secret/a", Err: errors.New("is a directory")}, wantCategory: ErrorIO, wantText: "io_error: is a directory"},
		{name: "plain", err: errors.New("boom"), wantCategory: ErrorIO, wantText: "io_error: read failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeIOError(tc.err, "read failed")
			if CategoryFromError(got) != tc.wantCategory {
				t.Fatalf("category = %q, want %q", CategoryFromError(got), tc.wantCategory)
			}
			if got.Error() != tc.wantText {
				t.Fatalf("text = %q, want %q", got.Error(), tc.wantText)
			}
			if strings.Contains(got.Error(), "/secret") {
				t.Fatalf("error leaks path: %q", got.Error())
			}
		})
	}

	if NormalizeIOError(nil, "x") != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestErrorIsMatchesCategory(t *testing.T) {
	err := fmt.Errorf("read: %w", NewError(ErrorTooLarge, "file exceeds 10 bytes"))

	if !errors.Is(err, &Error{Category: ErrorTooLarge}) {
		t.Fatal("expected errors.Is to match on category")
	}
	if errors.Is(err, &Error{Category: ErrorIO}) {
		t.Fatal("expected other categories not to match")
	}
}

func mustGuard(t *testing.T) *Guard {
	t.Helper()

	guard, err := NewGuard(t.TempDir())
	if err != nil {
		t.Fatalf("NewGuard error: %v", err)
	}

	return guard
}
