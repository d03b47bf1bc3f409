package connector

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connector ids to their implementation. It is filled once at
// startup and read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	order      []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds c under its descriptor id. Ids must be unique, and a
// connector must implement the capability its descriptor declares.
func (r *Registry) Register(c Connector) error {
	d := c.Descriptor()
	if d.ID == "" {
		return fmt.Errorf("connector: empty id for %s connector", d.Type)
	}
	switch d.Kind {
	case CapabilityStorage:
		if _, ok := c.(Storage); !ok {
			return fmt.Errorf("connector %q: %s does not implement storage", d.ID, d.Type)
		}
	case CapabilityHosting:
		if _, ok := c.(Hosting); !ok {
			return fmt.Errorf("connector %q: %s does not implement hosting", d.ID, d.Type)
		}
	default:
		return fmt.Errorf("connector %q: unknown capability %q", d.ID, d.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.connectors[d.ID]; dup {
		return fmt.Errorf("connector %q: duplicate id", d.ID)
	}
	r.connectors[d.ID] = c
	r.order = append(r.order, d.ID)
	return nil
}

// Get returns the connector registered under id.
func (r *Registry) Get(id string) (Connector, error) {
	r.mu.RLock()
	c, ok := r.connectors[id]
	r.mu.RUnlock()
	if !ok {
		return nil, Errorf(KindNotFound, "connector", "no connector %q", id)
	}
	return c, nil
}

// Storage returns the storage connector registered under id. An empty id
// selects the first storage connector.
func (r *Registry) Storage(id string) (Storage, error) {
	c, err := r.resolve(id, CapabilityStorage)
	if err != nil {
		return nil, err
	}
	return c.(Storage), nil
}

// Hosting returns the hosting connector registered under id. An empty id
// selects the first hosting connector.
func (r *Registry) Hosting(id string) (Hosting, error) {
	c, err := r.resolve(id, CapabilityHosting)
	if err != nil {
		return nil, err
	}
	return c.(Hosting), nil
}

func (r *Registry) resolve(id string, kind Capability) (Connector, error) {
	if id == "" {
		list := r.List(kind)
		if len(list) == 0 {
			return nil, Errorf(KindNotFound, "connector", "no %s connector configured", kind)
		}
		return list[0], nil
	}
	c, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Descriptor().Kind != kind {
		return nil, Errorf(KindNotFound, "connector", "connector %q is not a %s connector", id, kind)
	}
	return c, nil
}

// List returns the connectors of the given capability in registration
// order. An empty kind lists every connector.
func (r *Registry) List(kind Capability) []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.order))
	for _, id := range r.order {
		c := r.connectors[id]
		if kind == "" || c.Descriptor().Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// IDs returns every registered id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
