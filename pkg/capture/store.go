// Package capture pulls frame sets from a sensor session and publishes the
// newest bundle into a single-slot Store.
//
// The Store is a mailbox, not a queue: a publish overwrites whatever the
// broadcaster has not read yet, so capture never waits on transmission.
package capture

import (
	"sync/atomic"

	"github.com/teslashibe/go-depthlink/pkg/sensor"
)

// Store holds at most one FrameBundle.
// Publish and Read are wait-free and safe for one writer and many readers.
type Store struct {
	slot atomic.Pointer[sensor.FrameBundle]
	read atomic.Bool // current bundle has been read at least once

	publishes atomic.Uint64
	drops     atomic.Uint64
}

// StoreStats is a snapshot of Store counters.
type StoreStats struct {
	Publishes uint64 `json:"publishes"`
	Drops     uint64 `json:"drops"` // overwritten before any read; approximate under concurrent reads
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Publish replaces the held bundle. The bundle must be fully built and must
// not be modified afterwards.
func (s *Store) Publish(b *sensor.FrameBundle) {
	prev := s.slot.Swap(b)
	unread := !s.read.Swap(false)
	s.publishes.Add(1)
	if prev != nil && unread {
		s.drops.Add(1)
	}
}

// Read returns the current bundle, or nil if nothing was published.
func (s *Store) Read() *sensor.FrameBundle {
	b := s.slot.Load()
	if b != nil {
		s.read.Store(true)
	}
	return b
}

// Reset empties the slot.
func (s *Store) Reset() {
	s.slot.Store(nil)
	s.read.Store(false)
}

// Stats returns the store counters.
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Publishes: s.publishes.Load(),
		Drops:     s.drops.Load(),
	}
}
