package store

import (
	"errors"
	"sync"

	"canvas-gateway/internal/model"
	"github.com/google/uuid"
)

var ErrCanvasNotFound = errors.New("canvas not found")

const (
	defaultCanvasWidth  = 1920
	defaultCanvasHeight = 1080
)

type canvasStore struct {
	mu   sync.Mutex
	byID map[string]*model.CanvasState
	// owner maps canvas id to the user that created it.
	owner map[string]string
}

func newCanvasStore() *canvasStore {
	return &canvasStore{
		byID:  make(map[string]*model.CanvasState),
		owner: make(map[string]string),
	}
}

func cloneCanvas(c *model.CanvasState) model.CanvasState {
	out := *c
	out.Components = make([]model.Component, len(c.Components))
	copy(out.Components, c.Components)
	return out
}

// CreateCanvas allocates a new empty canvas owned by userID.
func (s *Store) CreateCanvas(userID string) model.CanvasState {
	s.canvases.mu.Lock()
	defer s.canvases.mu.Unlock()

	c := &model.CanvasState{
		ID:     uuid.NewString(),
		Width:  defaultCanvasWidth,
		Height: defaultCanvasHeight,
		Zoom:   1,
	}
	s.canvases.byID[c.ID] = c
	s.canvases.owner[c.ID] = userID
	return cloneCanvas(c)
}

func (s *Store) GetCanvas(userID, canvasID string) (model.CanvasState, bool) {
	s.canvases.mu.Lock()
	defer s.canvases.mu.Unlock()

	c, ok := s.canvases.byID[canvasID]
	if !ok || s.canvases.owner[canvasID] != userID {
		return model.CanvasState{}, false
	}
	return cloneCanvas(c), true
}

// UpsertComponent replaces the component with a matching id wholesale, or
// appends when the id is unseen. Every call bumps the canvas revision.
func (s *Store) UpsertComponent(userID, canvasID string, comp model.Component) (model.CanvasUpdate, error) {
	if comp.ID == "" {
		return model.CanvasUpdate{}, errors.New("missing component id")
	}

	s.canvases.mu.Lock()
	defer s.canvases.mu.Unlock()

	c, ok := s.canvases.byID[canvasID]
	if !ok || s.canvases.owner[canvasID] != userID {
		return model.CanvasUpdate{}, ErrCanvasNotFound
	}

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
	c.Revision++

	return model.CanvasUpdate{CanvasID: canvasID, Revision: c.Revision, Component: &comp}, nil
}

// CloseCanvas discards the canvas. The returned delta carries a revision one
// past the canvas's last so viewers never mistake it for a stale update.
func (s *Store) CloseCanvas(userID, canvasID string) (model.CanvasUpdate, error) {
	s.canvases.mu.Lock()
	defer s.canvases.mu.Unlock()

	c, ok := s.canvases.byID[canvasID]
	if !ok || s.canvases.owner[canvasID] != userID {
		return model.CanvasUpdate{}, ErrCanvasNotFound
	}
	delete(s.canvases.byID, canvasID)
	delete(s.canvases.owner, canvasID)

	return model.CanvasUpdate{CanvasID: canvasID, Revision: c.Revision + 1, Closed: true}, nil
}
