package client

import (
	"sync"

	"canvas-gateway/internal/model"
)

// maxStagedDeltas bounds how many out-of-order deltas are held per canvas
// while its snapshot is still in flight.
const maxStagedDeltas = 64

// canvasCache mirrors server-authoritative canvas state. It is mutated only
// from server data (snapshots and pushed deltas), never by local edits.
type canvasCache struct {
	mu       sync.RWMutex
	canvases map[string]*model.CanvasState
	// staged holds deltas whose broadcast beat the watch snapshot onto
	// the socket; put replays them once the snapshot arrives.
	staged map[string][]model.CanvasUpdate
}

func newCanvasCache() *canvasCache {
	return &canvasCache{
		canvases: make(map[string]*model.CanvasState),
		staged:   make(map[string][]model.CanvasUpdate),
	}
}

func (cc *canvasCache) put(cs model.CanvasState) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cp := cs
	cp.Components = make([]model.Component, len(cs.Components))
	copy(cp.Components, cs.Components)
	cc.canvases[cs.ID] = &cp

	staged := cc.staged[cs.ID]
	delete(cc.staged, cs.ID)
	for _, u := range staged {
		cc.mergeLocked(u)
	}
}

// apply merges a pushed delta. Deltas for canvases whose snapshot has not
// arrived yet are staged instead of dropped; deltas at or below the cached
// revision are stale duplicates and are discarded.
func (cc *canvasCache) apply(u model.CanvasUpdate) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if u.Closed {
		delete(cc.canvases, u.CanvasID)
		delete(cc.staged, u.CanvasID)
		return
	}

	if _, ok := cc.canvases[u.CanvasID]; !ok {
		buf := append(cc.staged[u.CanvasID], u)
		if len(buf) > maxStagedDeltas {
			buf = buf[1:]
		}
		cc.staged[u.CanvasID] = buf
		return
	}

	cc.mergeLocked(u)
}

func (cc *canvasCache) mergeLocked(u model.CanvasUpdate) {
	c, ok := cc.canvases[u.CanvasID]
	if !ok || u.Component == nil {
		return
	}
	if u.Revision <= c.Revision {
		return
	}

	comp := *u.Component
	replaced := false
	for i := range c.Components {
		if c.Components[i].ID == comp.ID {
			c.Components[i] = comp
			replaced = true
			break
		}
	}
	if !replaced {
		c.Components = append(c.Components, comp)
	}
	c.Revision = u.Revision
}

func (cc *canvasCache) get(id string) (model.CanvasState, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	c, ok := cc.canvases[id]
	if !ok {
		return model.CanvasState{}, false
	}
	out := *c
	out.Components = make([]model.Component, len(c.Components))
	copy(out.Components, c.Components)
	return out, true
}
