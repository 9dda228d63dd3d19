package stream

import (
	"github.com/tarunm/consolestream/internal/metrics"
	"github.com/tarunm/consolestream/internal/models"
)

const (
	// DefaultConsoleCapacity matches the console history the web console keeps
	DefaultConsoleCapacity = 500

	// DefaultMetricsHistory keeps only the latest metrics snapshot
	DefaultMetricsHistory = 1
)

// Buffers holds the bounded event history of one server, one ring per kind.
// Status always keeps a single entry.
type Buffers struct {
	rings map[models.Kind]*RingBuffer[models.Event]
}

// NewBuffers creates buffers with the given console and metrics capacities
func NewBuffers(consoleCapacity, metricsHistory int) *Buffers {
	return &Buffers{
		rings: map[models.Kind]*RingBuffer[models.Event]{
			models.KindConsole: NewRingBuffer[models.Event](consoleCapacity),
			models.KindStatus:  NewRingBuffer[models.Event](1),
			models.KindMetrics: NewRingBuffer[models.Event](metricsHistory),
		},
	}
}

// Append inserts ev at the tail of its kind's buffer, evicting the head when
// the buffer is at capacity. Events of unknown kinds are ignored.
func (b *Buffers) Append(ev models.Event) {
	ring, ok := b.rings[ev.Kind]
	if !ok {
		return
	}
	if ring.Add(ev) && ring.Capacity() > 1 {
		metrics.BufferEvictions.WithLabelValues(string(ev.Kind)).Inc()
	}
}

// Latest returns the most recent event of kind, or nil when empty
func (b *Buffers) Latest(kind models.Kind) *models.Event {
	ring, ok := b.rings[kind]
	if !ok {
		return nil
	}
	ev, ok := ring.Latest()
	if !ok {
		return nil
	}
	return &ev
}

// History returns the buffered events of kind, oldest first
func (b *Buffers) History(kind models.Kind) []models.Event {
	ring, ok := b.rings[kind]
	if !ok {
		return []models.Event{}
	}
	return ring.All()
}

// Clear empties one kind's buffer
func (b *Buffers) Clear(kind models.Kind) {
	if ring, ok := b.rings[kind]; ok {
		ring.Clear()
	}
}

// Capacity returns the capacity of kind's buffer, 0 for unknown kinds
func (b *Buffers) Capacity(kind models.Kind) int {
	if ring, ok := b.rings[kind]; ok {
		return ring.Capacity()
	}
	return 0
}
