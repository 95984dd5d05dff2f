// Package dedupe suppresses republishing of events that are already on the
// stream. Articles repeat their product and category rows many times over;
// only the first copy of each identical shared event needs to be published.
package dedupe

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/rohankatakam/retailgraph/internal/models"
)

// Filter claims event keys. Claim reports true to exactly one caller per key;
// Release gives a key back so a failed publish can be retried by a later copy.
type Filter interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// KeyFor returns the dedupe key of an event, or ok=false when the event must
// always be published. Shared vertices and hierarchy edges between shared
// vertices qualify; user, article and purchase events never do.
func KeyFor(e models.Event) (string, bool) {
	switch e.Type {
	case models.EventVertexUpsert:
		if !e.Vertex().Label.Shared() {
			return "", false
		}
	case models.EventEdgeUpsert:
		if e.EdgeLabel != models.EdgeBelongsTo || !e.EdgeFromLabel.Shared() {
			return "", false
		}
	default:
		return "", false
	}

	// json.Marshal sorts map keys, so equal property sets hash equally
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return "", false
	}
	sum := sha1.Sum(props)
	return e.EntityLabel + "/" + e.EntityID + "#" + hex.EncodeToString(sum[:8]), true
}

// Memory is a process-local Filter
type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ Filter = (*Memory)(nil)

// NewMemory creates an empty filter
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

// Claim marks key as seen and reports whether it was new
func (m *Memory) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return false, nil
	}
	m.seen[key] = struct{}{}
	return true, nil
}

// Release forgets key
func (m *Memory) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// Len returns the number of claimed keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
