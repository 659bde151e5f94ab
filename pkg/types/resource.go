package types

import (
	"slices"
	"time"
)

// ResourceKind identifies which remote collection a resource belongs to.
type ResourceKind string

const (
	KindWorkflow              ResourceKind = "workflow"
	KindAction                ResourceKind = "action"
	KindTemplate              ResourceKind = "template"
	KindWorkflowDocumentation ResourceKind = "workflow-documentation"
	KindWorkflowView          ResourceKind = "workflow-view"
	KindWorkflowFolder        ResourceKind = "workflow-folder"
)

// AllKinds lists every kind in cache order.
var AllKinds = []ResourceKind{
	KindWorkflow,
	KindAction,
	KindTemplate,
	KindWorkflowDocumentation,
	KindWorkflowView,
	KindWorkflowFolder,
}

// Top-level collection names
const (
	CollectionWorkflows = "workflows"
	CollectionActions   = "actions"
	CollectionTemplates = "templates"
)

// Collections lists the three top-level collections in display order.
var Collections = []string{CollectionWorkflows, CollectionActions, CollectionTemplates}

// CollectionOf returns the top-level collection a kind lives under.
func CollectionOf(kind ResourceKind) string {
	switch kind {
	case KindAction:
		return CollectionActions
	case KindTemplate:
		return CollectionTemplates
	default:
		return CollectionWorkflows
	}
}

// HasDraftCycle reports whether the server requires a DRAFT/PUBLISHED
// transition around content changes for this kind.
func (k ResourceKind) HasDraftCycle() bool {
	return k == KindWorkflow || k == KindAction
}

func (k ResourceKind) String() string {
	return string(k)
}

// Remote status values
const (
	StatusDraft     = "DRAFT"
	StatusPublished = "PUBLISHED"
)

// ResourceHandle is one remote resource as known to the cache.
type ResourceHandle struct {
	ID          string       `json:"id"`
	Kind        ResourceKind `json:"kind"`
	Name        string       `json:"name"`
	CreatedAt   time.Time    `json:"created_at"`
	ModifiedAt  time.Time    `json:"modified_at"`
	SizeHint    int64        `json:"size"`
	Signed      bool         `json:"signed"`
	Tags        []string     `json:"tags,omitempty"`
	Placeholder bool         `json:"placeholder,omitempty"`
}

// Clone returns a copy that can be mutated without touching the cached handle.
func (h *ResourceHandle) Clone() *ResourceHandle {
	if h == nil {
		return nil
	}
	c := *h
	c.Tags = slices.Clone(h.Tags)
	return &c
}

// HasAnyTag returns true if the handle carries at least one of the given tags.
func (h *ResourceHandle) HasAnyTag(tags []string) bool {
	for _, t := range h.Tags {
		if slices.Contains(tags, t) {
			return true
		}
	}
	return false
}

// Touch records a successful content change.
func (h *ResourceHandle) Touch(modified time.Time, size int64) {
	h.ModifiedAt = modified
	h.SizeHint = size
	h.Placeholder = false
}
