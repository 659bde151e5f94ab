package resources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

func strPtr(s string) *string { return &s }

func TestStore_CopiesHandles(t *testing.T) {
	s := NewStore(0, 0)
	h := &types.ResourceHandle{ID: "1", Name: "a", Tags: []string{"x"}}
	s.Put("a.action", h)

	h.Name = "changed"
	got, ok := s.Get("a.action")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name)

	got.Tags[0] = "y"
	again, _ := s.Get("a.action")
	assert.Equal(t, []string{"x"}, again.Tags)
}

func TestStore_ReplaceAndInvalidate(t *testing.T) {
	s := NewStore(0, 0)
	s.Put("old", &types.ResourceHandle{ID: "0"})
	s.Replace(map[string]*types.ResourceHandle{
		"a": {ID: "1"},
		"b": {ID: "2"},
	})

	_, ok := s.Get("old")
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())

	s.Invalidate("a")
	assert.Equal(t, 1, s.Len())
	s.InvalidateAll()
	assert.Equal(t, 0, s.Len())
}

func TestStore_TTL(t *testing.T) {
	s := NewStore(0, 20*time.Millisecond)
	s.Put("a", &types.ResourceHandle{ID: "1"})
	assert.Eventually(t, func() bool {
		_, ok := s.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func workflowSummaries() []remote.Summary {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []remote.Summary{
		{ID: "w1", Name: "alpha", CreatedAt: now, UpdatedAt: now.Add(time.Hour), Definition: strPtr("alpha: {}\n"), Readme: strPtr("# alpha")},
		{ID: "w2", Name: "beta", CreatedAt: now, Tags: []string{"hidden"}, Signed: true},
		{ID: "w3", Name: "bad.name", CreatedAt: now},
	}
}

func TestCache_ApplyWorkflowListing(t *testing.T) {
	c := NewCache(types.CacheConfig{})
	c.ApplyWorkflowListing(workflowSummaries())

	for _, kind := range workflowUnit {
		h, ok := c.Lookup(vpath.ForKind(kind, "alpha"))
		require.True(t, ok, kind)
		assert.Equal(t, "w1", h.ID)
		assert.Equal(t, kind, h.Kind)
	}

	def, _ := c.Lookup(vpath.ForKind(types.KindWorkflow, "alpha"))
	assert.Equal(t, int64(len("alpha: {}\n")), def.SizeHint)
	assert.Equal(t, time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC), def.ModifiedAt)

	docs, _ := c.Lookup(vpath.ForKind(types.KindWorkflowDocumentation, "alpha"))
	assert.Equal(t, int64(len("# alpha")), docs.SizeHint)

	view, _ := c.Lookup(vpath.ForKind(types.KindWorkflowView, "alpha"))
	assert.Equal(t, int64(len("{}\n")), view.SizeHint)

	beta, ok := c.Lookup(vpath.ForKind(types.KindWorkflow, "beta"))
	require.True(t, ok)
	assert.True(t, beta.Signed)
	assert.Equal(t, beta.CreatedAt, beta.ModifiedAt)

	_, ok = c.Lookup(vpath.ForKind(types.KindWorkflowFolder, "bad.name"))
	assert.False(t, ok)
	assert.False(t, c.ListedAt(types.CollectionWorkflows).IsZero())
}

func TestCache_ChildrenFiltersTags(t *testing.T) {
	c := NewCache(types.CacheConfig{})
	c.ApplyWorkflowListing(workflowSummaries())
	root, _ := vpath.Classify("/workflows")

	all := c.Children(root, Filter{})
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.True(t, all[0].Dir)

	visible := c.Children(root, Filter{ExcludeTags: []string{"hidden"}})
	require.Len(t, visible, 1)
	assert.Equal(t, "alpha", visible[0].Name)

	// Hidden resources stay addressable
	_, ok := c.Lookup(vpath.ForKind(types.KindWorkflow, "beta"))
	assert.True(t, ok)

	folder, _ := vpath.Classify("/workflows/alpha")
	var names []string
	for _, e := range c.Children(folder, Filter{}) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"README.md", "alpha.json", "alpha.yaml"}, names)
}

func TestCache_InvalidateWorkflow(t *testing.T) {
	c := NewCache(types.CacheConfig{})
	c.ApplyWorkflowListing(workflowSummaries())
	c.InvalidateWorkflow("alpha")

	for _, kind := range workflowUnit {
		_, ok := c.Lookup(vpath.ForKind(kind, "alpha"))
		assert.False(t, ok, kind)
	}
	_, ok := c.Lookup(vpath.ForKind(types.KindWorkflow, "beta"))
	assert.True(t, ok)
}

func TestCache_InvalidateAll(t *testing.T) {
	c := NewCache(types.CacheConfig{})
	c.ApplyWorkflowListing(workflowSummaries())
	c.ApplyListing(types.KindAction, []remote.Summary{{ID: "a1", Name: "foo"}})
	c.InvalidateAll()

	assert.True(t, c.ListedAt(types.CollectionWorkflows).IsZero())
	assert.True(t, c.ListedAt(types.CollectionActions).IsZero())
	for _, kind := range types.AllKinds {
		assert.Zero(t, c.Store(kind).Len(), kind)
	}
}

type fakeLister struct {
	mu        sync.Mutex
	summaries map[types.ResourceKind][]remote.Summary
	calls     atomic.Int32
	delay     time.Duration
	err       error
}

func (f *fakeLister) List(ctx context.Context, kind types.ResourceKind) ([]remote.Summary, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries[kind], f.err
}

func TestLoader_CoalescesListings(t *testing.T) {
	lister := &fakeLister{
		summaries: map[types.ResourceKind][]remote.Summary{types.KindAction: {{ID: "a1", Name: "foo"}}},
		delay:     50 * time.Millisecond,
	}
	l := NewLoader(lister, NewCache(types.CacheConfig{}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Load(context.Background(), types.CollectionActions))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), lister.calls.Load())
	assert.Equal(t, 1, l.Cache().Store(types.KindAction).Len())
}

func TestLoader_ResolveListsLazily(t *testing.T) {
	lister := &fakeLister{
		summaries: map[types.ResourceKind][]remote.Summary{types.KindAction: {{ID: "a1", Name: "foo"}}},
	}
	l := NewLoader(lister, NewCache(types.CacheConfig{}))
	ctx := context.Background()

	foo, _ := vpath.Classify("/actions/foo.action")
	h, err := l.Resolve(ctx, foo)
	require.NoError(t, err)
	assert.Equal(t, "a1", h.ID)
	assert.Equal(t, int32(1), lister.calls.Load())

	// Cached now
	_, err = l.Resolve(ctx, foo)
	require.NoError(t, err)
	assert.Equal(t, int32(1), lister.calls.Load())

	// A miss re-lists once, then is remembered as missing
	bar, _ := vpath.Classify("/actions/bar.action")
	_, err = l.Resolve(ctx, bar)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = l.Resolve(ctx, bar)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, int32(2), lister.calls.Load())

	ok, err := l.Exists(ctx, bar)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoader_PropagatesListingErrors(t *testing.T) {
	lister := &fakeLister{err: types.ErrUnreachable}
	l := NewLoader(lister, NewCache(types.CacheConfig{}))

	target, _ := vpath.Classify("/templates/t.jinja")
	_, err := l.Resolve(context.Background(), target)
	assert.ErrorIs(t, err, types.ErrUnreachable)
	assert.False(t, errors.Is(err, types.ErrNotFound))
	assert.True(t, l.Cache().ListedAt(types.CollectionTemplates).IsZero())

	_, err = l.Exists(context.Background(), target)
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

func TestLoader_FailedListingIsNotNotFound(t *testing.T) {
	lister := &fakeLister{err: &types.RemoteError{Op: "workflow.list", Status: 404}}
	l := NewLoader(lister, NewCache(types.CacheConfig{}))

	target, _ := vpath.Classify("/workflows/demo/demo.yaml")
	_, err := l.Resolve(context.Background(), target)
	require.Error(t, err)
	assert.False(t, errors.Is(err, types.ErrNotFound))

	var lerr *ListingError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, types.CollectionWorkflows, lerr.Collection)
	var rerr *types.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 404, rerr.Status)

	_, err = l.Exists(context.Background(), target)
	assert.Error(t, err)
	assert.False(t, l.Cache().IsMissing(target.Path))
}

func TestFormatView(t *testing.T) {
	assert.Equal(t, "{}\n", string(FormatView(nil)))
	assert.Equal(t, "{}\n", string(FormatView([]byte("null"))))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", string(FormatView([]byte(`{"a":1}`))))
	assert.Equal(t, "not json", string(FormatView([]byte("not json"))))
}
