package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"threadloom/pkg/channel"
)

var (
	// ErrUnknownKind is matched by errors.Is for any *UnknownKindError.
	ErrUnknownKind = errors.New("responder: unknown kind")
	// ErrEmptyContent reports a responder that produced nothing to post.
	ErrEmptyContent = errors.New("responder: empty content")
)

// UnknownKindError names the kind/role pair that could not be resolved.
type UnknownKindError struct {
	Kind string
	Role string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("responder %s/%s not found in registry", e.Kind, e.Role)
}

func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownKind
}

// Request is what a responder receives when a thread is delegated to it. Deps names what
// the responder works against, such as the repository checkout it may read.
type Request struct {
	Query         string
	ExtraInfo     string
	ThreadContext string
	Deps          map[string]string
}

// Result is what a responder wants posted to the thread: text or layout blocks.
type Result struct {
	Content channel.Content
}

// Responder answers one delegated request.
type Responder interface {
	Respond(ctx context.Context, req Request) (Result, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req Request) (Result, error)

func (f ResponderFunc) Respond(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

type directResponder struct{}

func (directResponder) Respond(_ context.Context, req Request) (Result, error) {
	return Result{Content: channel.TextContent(req.Query)}, nil
}

// Direct is returned by Resolve for kinds that post the query back verbatim.
var Direct Responder = directResponder{}

// Factory builds the responder for one kind and its effective role.
type Factory func(kind string, spec KindSpec, role string) (Responder, error)

// Registry resolves kind/role pairs to responders and caches them.
type Registry struct {
	catalog *Catalog
	build   Factory
	log     *slog.Logger

	mu    sync.Mutex
	cache map[string]Responder
}

// NewRegistry returns a registry backed by catalog. build is not called for direct kinds.
func NewRegistry(catalog *Catalog, build Factory) *Registry {
	return &Registry{
		catalog: catalog,
		build:   build,
		log:     slog.Default().With("component", "responder.registry"),
		cache:   make(map[string]Responder),
	}
}

// Catalog returns the catalog the registry resolves against.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

// Resolve returns the responder for kind/role. A role the kind does not define falls back
// to the kind's default role.
func (r *Registry) Resolve(kind, role string) (Responder, error) {
	kind = strings.TrimSpace(kind)
	role = strings.TrimSpace(role)
	key := kind + "/" + role

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[key]; ok {
		return cached, nil
	}

	spec, effectiveRole, ok := r.catalog.lookup(kind, role)
	if !ok {
		return nil, &UnknownKindError{Kind: kind, Role: role}
	}
	if effectiveRole != role && role != "" {
		r.log.Debug("Falling back to default role", "kind", kind, "role", role)
	}

	var (
		responder Responder
		err       error
	)
	if spec.Direct {
		responder = Direct
	} else {
		if r.build == nil {
			return nil, fmt.Errorf("no responder factory configured for %s", key)
		}
		responder, err = r.build(kind, spec, effectiveRole)
		if err != nil {
			return nil, fmt.Errorf("build responder %s/%s: %w", kind, effectiveRole, err)
		}
	}

	r.cache[key] = responder
	return responder, nil
}

// Invoke resolves kind/role and runs the responder. Empty output is ErrEmptyContent.
func (r *Registry) Invoke(ctx context.Context, kind, role string, req Request) (Result, error) {
	responder, err := r.Resolve(kind, role)
	if err != nil {
		return Result{}, err
	}

	if responder == Direct {
		if strings.TrimSpace(req.Query) == "" {
			return Result{}, ErrEmptyContent
		}
		return Result{Content: channel.TextContent(req.Query)}, nil
	}

	result, err := responder.Respond(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if result.Content.IsEmpty() {
		return Result{}, ErrEmptyContent
	}
	return result, nil
}
