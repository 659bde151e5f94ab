package resources

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

const (
	negativeCacheSize = 4096
	negativeCacheTTL  = 5 * time.Second
)

// Cache holds one Store per resource kind plus a short-lived record of paths
// that were missing from a fresh listing.
type Cache struct {
	stores   map[types.ResourceKind]Store
	negative *expirable.LRU[string, struct{}]

	mu     sync.Mutex
	listed map[string]time.Time
}

func NewCache(cfg types.CacheConfig) *Cache {
	c := &Cache{
		stores:   make(map[types.ResourceKind]Store, len(types.AllKinds)),
		negative: expirable.NewLRU[string, struct{}](negativeCacheSize, nil, negativeCacheTTL),
		listed:   make(map[string]time.Time),
	}
	for _, kind := range types.AllKinds {
		c.stores[kind] = NewStore(cfg.Size, cfg.TTL)
	}
	return c
}

func (c *Cache) Store(kind types.ResourceKind) Store {
	return c.stores[kind]
}

// Lookup returns the cached handle of a resource target.
func (c *Cache) Lookup(t vpath.Target) (*types.ResourceHandle, bool) {
	s, ok := c.stores[t.Kind]
	if !ok {
		return nil, false
	}
	return s.Get(t.Key)
}

// Put stores h under the target's key.
func (c *Cache) Put(t vpath.Target, h *types.ResourceHandle) {
	c.negative.Remove(t.Path)
	c.stores[t.Kind].Put(t.Key, h)
}

// Invalidate removes the target's entry.
func (c *Cache) Invalidate(t vpath.Target) {
	c.stores[t.Kind].Invalidate(t.Key)
}

// InvalidateWorkflow removes a workflow's folder, definition, view and documentation.
func (c *Cache) InvalidateWorkflow(name string) {
	for _, kind := range workflowUnit {
		c.Invalidate(vpath.ForKind(kind, name))
	}
}

var workflowUnit = []types.ResourceKind{
	types.KindWorkflowFolder,
	types.KindWorkflow,
	types.KindWorkflowView,
	types.KindWorkflowDocumentation,
}

// PutWorkflow stores the four entries of a workflow folder under one id.
func (c *Cache) PutWorkflow(h *types.ResourceHandle, view, docs *types.ResourceHandle) {
	folder := h.Clone()
	folder.Kind = types.KindWorkflowFolder
	folder.SizeHint = 0

	c.Put(vpath.ForKind(types.KindWorkflowFolder, h.Name), folder)
	c.Put(vpath.ForKind(types.KindWorkflow, h.Name), h)
	if view != nil {
		c.Put(vpath.ForKind(types.KindWorkflowView, h.Name), view)
	}
	if docs != nil {
		c.Put(vpath.ForKind(types.KindWorkflowDocumentation, h.Name), docs)
	}
}

// InvalidateAll discards every cached entry. The next access re-lists.
func (c *Cache) InvalidateAll() {
	for _, s := range c.stores {
		s.InvalidateAll()
	}
	c.negative.Purge()

	c.mu.Lock()
	c.listed = make(map[string]time.Time)
	c.mu.Unlock()
}

// InvalidateCollection discards the entries of one top-level collection.
func (c *Cache) InvalidateCollection(collection string) {
	for _, kind := range kindsOf(collection) {
		c.stores[kind].InvalidateAll()
	}
	c.negative.Purge()

	c.mu.Lock()
	delete(c.listed, collection)
	c.mu.Unlock()
}

// ListedAt returns when the collection was last populated by a listing, or
// the zero time when it was invalidated since.
func (c *Cache) ListedAt(collection string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listed[collection]
}

func (c *Cache) markListed(collection string) {
	c.negative.Purge()
	c.mu.Lock()
	c.listed[collection] = time.Now()
	c.mu.Unlock()
}

// MarkMissing records that p was absent from a fresh listing.
func (c *Cache) MarkMissing(p string) {
	c.negative.Add(p, struct{}{})
}

func (c *Cache) IsMissing(p string) bool {
	_, ok := c.negative.Get(p)
	return ok
}

func kindsOf(collection string) []types.ResourceKind {
	switch collection {
	case types.CollectionWorkflows:
		return workflowUnit
	case types.CollectionActions:
		return []types.ResourceKind{types.KindAction}
	case types.CollectionTemplates:
		return []types.ResourceKind{types.KindTemplate}
	}
	return nil
}

// HandleFromSummary converts a server summary into the handle of kind.
func HandleFromSummary(kind types.ResourceKind, s remote.Summary) *types.ResourceHandle {
	modified := s.UpdatedAt
	if modified.IsZero() {
		modified = s.CreatedAt
	}

	h := &types.ResourceHandle{
		ID:         s.ID,
		Kind:       kind,
		Name:       s.Name,
		CreatedAt:  s.CreatedAt,
		ModifiedAt: modified,
		Signed:     s.Signed,
		Tags:       s.Tags,
	}

	switch kind {
	case types.KindWorkflow, types.KindAction:
		if s.Definition != nil {
			h.SizeHint = int64(len(*s.Definition))
		}
	case types.KindTemplate:
		if s.Data != nil {
			h.SizeHint = int64(len(*s.Data))
		}
	case types.KindWorkflowDocumentation:
		if s.Readme != nil {
			h.SizeHint = int64(len(*s.Readme))
		}
	case types.KindWorkflowView:
		h.SizeHint = int64(len(FormatView(s.UI)))
	}
	return h
}

// ApplyWorkflowListing replaces the folder, definition, view and documentation
// caches from one workflow listing.
func (c *Cache) ApplyWorkflowListing(summaries []remote.Summary) {
	entries := make(map[types.ResourceKind]map[string]*types.ResourceHandle, len(workflowUnit))
	for _, kind := range workflowUnit {
		entries[kind] = make(map[string]*types.ResourceHandle, len(summaries))
	}

	for _, s := range summaries {
		if vpath.ValidateWorkflowName("", s.Name) != nil {
			log.Warn().Str("id", s.ID).Str("name", s.Name).Msg("skipping workflow with unrepresentable name")
			continue
		}
		for _, kind := range workflowUnit {
			h := HandleFromSummary(kind, s)
			if kind == types.KindWorkflowFolder {
				h.SizeHint = 0
			}
			entries[kind][vpath.CacheKey(kind, s.Name)] = h
		}
	}

	for kind, e := range entries {
		c.stores[kind].Replace(e)
	}
	c.markListed(types.CollectionWorkflows)
}

// ApplyListing replaces the action or template cache.
func (c *Cache) ApplyListing(kind types.ResourceKind, summaries []remote.Summary) {
	entries := make(map[string]*types.ResourceHandle, len(summaries))
	for _, s := range summaries {
		if vpath.ValidateName("", s.Name) != nil {
			log.Warn().Str("id", s.ID).Str("name", s.Name).Str("kind", string(kind)).Msg("skipping resource with unrepresentable name")
			continue
		}
		entries[vpath.CacheKey(kind, s.Name)] = HandleFromSummary(kind, s)
	}
	c.stores[kind].Replace(entries)
	c.markListed(types.CollectionOf(kind))
}

// Entry is one child of a listed directory.
type Entry struct {
	Name   string
	Dir    bool
	Handle *types.ResourceHandle
}

// Children returns the cached children of a directory target, sorted by name.
// Collection listings apply the filter, workflow folders list their three files.
func (c *Cache) Children(t vpath.Target, filter Filter) []Entry {
	var out []Entry
	switch {
	case t.Root:
		for _, name := range types.Collections {
			out = append(out, Entry{Name: name, Dir: true})
		}
		return out
	case t.CollectionRoot:
		kind := types.KindAction
		switch t.Collection {
		case types.CollectionWorkflows:
			kind = types.KindWorkflowFolder
		case types.CollectionTemplates:
			kind = types.KindTemplate
		}
		s := c.stores[kind]
		for _, key := range s.Keys() {
			h, ok := s.Get(key)
			if !ok || !filter.Visible(h) {
				continue
			}
			out = append(out, Entry{Name: key, Dir: kind == types.KindWorkflowFolder, Handle: h})
		}
	case t.Kind == types.KindWorkflowFolder:
		for _, kind := range workflowUnit[1:] {
			child := vpath.ForKind(kind, t.Name)
			if h, ok := c.Lookup(child); ok {
				out = append(out, Entry{Name: vpath.FileName(kind, t.Name), Handle: h})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
