package cache

import (
	"sync"

	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/jkaberg/nova-driver/internal/geofence"
)

// JitterMeters is the smallest movement that counts as a new position.
const JitterMeters = 10.0

// Manager keeps the last published fix and answers the question: "has the
// device moved enough since the last time I asked?".
//
// Behaviour:
//   - First call to Changed() always returns true and stores the fix.
//   - Timestamps are ignored.
//   - An accuracy change alone does not count as movement.
//   - The stored fix is replaced only when a change is detected, so slow
//     drift still accumulates into a reported move.
type Manager struct {
	mu   sync.Mutex
	prev *domain.Coordinates
}

// NewManager returns a ready-to-use cache manager.
func NewManager() *Manager {
	return &Manager{}
}

// Changed reports whether cur is at least JitterMeters away from the last
// accepted fix. Accepted fixes become the new reference.
func (m *Manager) Changed(cur domain.Coordinates) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.prev != nil {
		dist := geofence.HaversineMeters(m.prev.Lat, m.prev.Lng, cur.Lat, cur.Lng)
		if dist < JitterMeters {
			return false
		}
	}
	c := cur
	m.prev = &c
	return true
}

// Reset forgets the reference fix so the next call reports a change. Used
// after the sink reconnects and retained state may be gone.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.prev = nil
	m.mu.Unlock()
}
