package resources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// Lister fetches the summaries of a collection from the server.
type Lister interface {
	List(ctx context.Context, kind types.ResourceKind) ([]remote.Summary, error)
}

// Loader populates the cache from remote listings. Concurrent loads of the
// same collection share one remote call.
type Loader struct {
	lister Lister
	cache  *Cache
	group  singleflight.Group
}

func NewLoader(lister Lister, cache *Cache) *Loader {
	return &Loader{lister: lister, cache: cache}
}

func (l *Loader) Cache() *Cache {
	return l.cache
}

func listKind(collection string) (types.ResourceKind, error) {
	switch collection {
	case types.CollectionWorkflows:
		return types.KindWorkflow, nil
	case types.CollectionActions:
		return types.KindAction, nil
	case types.CollectionTemplates:
		return types.KindTemplate, nil
	}
	return "", fmt.Errorf("unknown collection %q", collection)
}

// ListingError is a failed listing of a collection. A failed listing says
// nothing about whether a resource exists, so it never matches
// types.ErrNotFound, even when the listing endpoint itself answered 404.
// Other causes such as types.ErrUnreachable still match.
type ListingError struct {
	Collection string
	Err        error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list %s: %v", e.Collection, e.Err)
}

func (e *ListingError) Unwrap() error {
	if errors.Is(e.Err, types.ErrNotFound) {
		return nil
	}
	return e.Err
}

// As keeps the cause reachable for errors.As, e.g. *types.RemoteError.
func (e *ListingError) As(target any) bool {
	return errors.As(e.Err, target)
}

// Load lists the collection remotely and replaces its caches.
func (l *Loader) Load(ctx context.Context, collection string) error {
	kind, err := listKind(collection)
	if err != nil {
		return err
	}

	_, err, shared := l.group.Do(collection, func() (any, error) {
		start := time.Now()
		summaries, err := l.lister.List(context.WithoutCancel(ctx), kind)
		if err != nil {
			return nil, err
		}
		if kind == types.KindWorkflow {
			l.cache.ApplyWorkflowListing(summaries)
		} else {
			l.cache.ApplyListing(kind, summaries)
		}
		log.Debug().
			Str("collection", collection).
			Int("count", len(summaries)).
			Dur("duration", time.Since(start)).
			Msg("listed collection")
		return nil, nil
	})
	if err != nil {
		return &ListingError{Collection: collection, Err: err}
	}
	if shared {
		log.Debug().Str("collection", collection).Msg("joined in-flight listing")
	}
	return nil
}

// Resolve returns the handle of t, listing its collection on a cache miss.
// A resource absent from a fresh listing is types.ErrNotFound.
func (l *Loader) Resolve(ctx context.Context, t vpath.Target) (*types.ResourceHandle, error) {
	if h, ok := l.cache.Lookup(t); ok {
		return h, nil
	}
	if l.cache.IsMissing(t.Path) {
		return nil, fmt.Errorf("%s: %w", t.Path, types.ErrNotFound)
	}

	if err := l.Load(ctx, t.Collection); err != nil {
		return nil, err
	}
	if h, ok := l.cache.Lookup(t); ok {
		return h, nil
	}
	l.cache.MarkMissing(t.Path)
	return nil, fmt.Errorf("%s: %w", t.Path, types.ErrNotFound)
}

// Exists reports whether t resolves. Errors other than not found are returned.
func (l *Loader) Exists(ctx context.Context, t vpath.Target) (bool, error) {
	_, err := l.Resolve(ctx, t)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, types.ErrNotFound):
		return false, nil
	}
	return false, err
}
