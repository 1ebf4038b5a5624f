package pipeline

import (
	"sync"

	"github.com/sagernet/sing-intercept/adapter"
)

// Manager owns the resolved module sets for both relay directions. Mutation
// bumps a generation counter; sessions take an immutable snapshot at start
// and never observe later changes.
type Manager struct {
	access     sync.Mutex
	client     []adapter.Module
	server     []adapter.Module
	generation uint32
}

func NewManager() *Manager {
	return &Manager{}
}

// Register appends modules to the given direction, preserving registration
// order as pipeline order.
func (m *Manager) Register(direction Direction, modules ...adapter.Module) {
	m.access.Lock()
	defer m.access.Unlock()
	switch direction {
	case DirectionClient:
		m.client = append(m.client, modules...)
	case DirectionServer:
		m.server = append(m.server, modules...)
	}
	m.generation++
}

func (m *Manager) Clear(direction Direction) {
	m.access.Lock()
	defer m.access.Unlock()
	switch direction {
	case DirectionClient:
		m.client = nil
	case DirectionServer:
		m.server = nil
	}
	m.generation++
}

// Pipeline returns a snapshot of the current module chain for direction.
func (m *Manager) Pipeline(direction Direction) Pipeline {
	m.access.Lock()
	defer m.access.Unlock()
	var source []adapter.Module
	switch direction {
	case DirectionClient:
		source = m.client
	case DirectionServer:
		source = m.server
	}
	modules := make([]adapter.Module, len(source))
	copy(modules, source)
	return Pipeline{modules: modules}
}

func (m *Manager) Generation() uint32 {
	m.access.Lock()
	defer m.access.Unlock()
	return m.generation
}
