// Package viewport tracks each client's current and previous map window.
package viewport

import (
	"sync"
	"time"

	"github.com/pulsemap/pulsemap/internal/model"
)

// Manager stores per-client viewports. The previous viewport is retained on
// each update so callers can ask what might be newly visible.
type Manager struct {
	mu       sync.RWMutex
	current  map[string]model.Viewport
	previous map[string]model.Viewport
}

// NewManager creates an empty viewport manager.
func NewManager() *Manager {
	return &Manager{
		current:  make(map[string]model.Viewport),
		previous: make(map[string]model.Viewport),
	}
}

// UpdateViewport replaces the client's viewport, retaining the prior one.
func (m *Manager) UpdateViewport(clientID string, box model.BoundingBox, zoom float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.current[clientID]; ok {
		m.previous[clientID] = prev
	}
	m.current[clientID] = model.Viewport{
		ClientID:  clientID,
		Box:       box,
		Zoom:      zoom,
		UpdatedAt: time.Now().UTC(),
	}
}

// GetViewport returns the client's current viewport, if any.
func (m *Manager) GetViewport(clientID string) (model.Viewport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vp, ok := m.current[clientID]
	return vp, ok
}

// GetAllClientIDs returns the ids of every client with a viewport.
func (m *Manager) GetAllClientIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.current))
	for id := range m.current {
		ids = append(ids, id)
	}
	return ids
}

// GetViewportDelta returns a conservative over-approximation of the area made
// newly visible by the client's last viewport change: the full new box when
// there is no prior viewport or the boxes do not overlap, otherwise the union
// of old and new. Callers must treat it as a hint; it may over-deliver, never
// under-delivers.
func (m *Manager) GetViewportDelta(clientID string) (model.BoundingBox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.current[clientID]
	if !ok {
		return model.BoundingBox{}, false
	}
	prev, ok := m.previous[clientID]
	if !ok {
		return cur.Box, true
	}
	if !cur.Box.Intersects(prev.Box) {
		return cur.Box, true
	}
	return cur.Box.Union(prev.Box), true
}

// HandleClientDisconnect drops all viewport state for the client.
func (m *Manager) HandleClientDisconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, clientID)
	delete(m.previous, clientID)
}

// RebindClientID reassigns viewport state from old to new, used when a
// connection's identity is upgraded after authentication.
func (m *Manager) RebindClientID(oldID, newID string) {
	if oldID == newID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if vp, ok := m.current[oldID]; ok {
		vp.ClientID = newID
		m.current[newID] = vp
		delete(m.current, oldID)
	}
	if vp, ok := m.previous[oldID]; ok {
		vp.ClientID = newID
		m.previous[newID] = vp
		delete(m.previous, oldID)
	}
}
