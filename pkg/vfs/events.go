package vfs

import (
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// Subscribe registers fn for change events. The returned func unsubscribes.
func (a *Adapter) Subscribe(fn func(ChangeEvent)) func() {
	a.subsMu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	a.subsMu.Unlock()

	return func() {
		a.subsMu.Lock()
		delete(a.subs, id)
		a.subsMu.Unlock()
	}
}

func (a *Adapter) fire(e ChangeEvent) {
	a.subsMu.Lock()
	subs := make([]func(ChangeEvent), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.subsMu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

// emit publishes a change through the event bus. Local subscribers are
// notified synchronously, other sessions through redis when configured.
func (a *Adapter) emit(change ChangeType, p string) {
	t := common.EventResourceChanged
	if change == ChangeDeleted {
		t = common.EventResourceDeleted
	}
	a.bus.Emit(common.Event{Type: t, Data: map[string]any{"path": p, "change": string(change)}})
}

func (a *Adapter) onResourceEvent(e common.Event) {
	p, _ := e.Data["path"].(string)
	change, _ := e.Data["change"].(string)
	if p == "" {
		return
	}

	if !e.Local(a.bus) {
		if t, err := vpath.Classify(p); err == nil && t.Collection != "" {
			a.current().cache.InvalidateCollection(t.Collection)
			log.Debug().Str("path", p).Str("origin", e.Origin).Msg("remote change, collection invalidated")
		}
	}
	if change == "" {
		change = string(ChangeChanged)
	}
	a.fire(ChangeEvent{Type: ChangeType(change), Path: p})
}

func (a *Adapter) onInvalidate(e common.Event) {
	if e.Local(a.bus) {
		return
	}
	collection, _ := e.Data["collection"].(string)
	s := a.current()
	if collection == "" {
		s.cache.InvalidateAll()
	} else {
		s.cache.InvalidateCollection(collection)
	}
	log.Debug().Str("collection", collection).Str("origin", e.Origin).Msg("cache invalidated by another session")

	p := "/"
	if collection != "" {
		p = "/" + collection
	}
	a.fire(ChangeEvent{Type: ChangeChanged, Path: p})
}

// collectionPaths lists the root of every collection, used for whole-tree refreshes.
func collectionPaths() []string {
	out := make([]string, 0, len(types.Collections))
	for _, c := range types.Collections {
		out = append(out, "/"+c)
	}
	return out
}
