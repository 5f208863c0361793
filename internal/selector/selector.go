// Package selector picks the backend that should host a room's RTCs,
// honoring room pinning, group affinity, and capacity. It is a pure
// function of a database snapshot: no I/O, no side effects.
package selector

import (
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/store"
)

// ErrNoBackendAvailable is returned when no backend satisfies the room's
// constraints, including the case where a pinned backend is offline or
// excluded (pins are never re-assigned).
var ErrNoBackendAvailable = errors.New("selector: no backend available")

// Candidate is one backend as seen in a selection snapshot, with its
// currently-used capacity pre-computed by the caller (a join over open
// RtcStreams).
type Candidate struct {
	Backend store.Backend
	Used    int
}

func (c Candidate) free() int {
	if c.Backend.Capacity == nil {
		return 0
	}
	return *c.Backend.Capacity - c.Used
}

func (c Candidate) balancerFree() int {
	if c.Backend.BalancerCapacity == nil {
		return 0
	}
	return *c.Backend.BalancerCapacity - c.Used
}

// Select implements SPEC_FULL §4.1's policy:
//
//  1. If room.BackendID is set, it MUST be chosen when online and not
//     excluded; otherwise fail (never re-pin).
//  2. Otherwise rank online, non-excluded backends (filtered to the room's
//     group when set) to free > 0 && balancerFree > 0.
//  3. Tie-break: highest balancerFree, then highest free, then lowest
//     last_seen_at lag (i.e. most recently seen), then lexicographic id.
//
// pinned is the room's pinned backend's current snapshot, or nil if the
// room has no pin.
func Select(room store.Room, pinned *Candidate, candidates []Candidate, excluded map[uuid.UUID]struct{}) (*store.Backend, error) {
	if room.BackendID != nil {
		if pinned == nil || pinned.Backend.ID != *room.BackendID {
			return nil, ErrNoBackendAvailable
		}
		if _, isExcluded := excluded[pinned.Backend.ID]; isExcluded {
			return nil, ErrNoBackendAvailable
		}
		if !pinned.Backend.Online {
			return nil, ErrNoBackendAvailable
		}
		backend := pinned.Backend
		return &backend, nil
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Backend.Online {
			continue
		}
		if _, isExcluded := excluded[c.Backend.ID]; isExcluded {
			continue
		}
		if room.JanusGroup != "" && c.Backend.Group != room.JanusGroup {
			continue
		}
		if c.free() <= 0 || c.balancerFree() <= 0 {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil, ErrNoBackendAvailable
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.balancerFree() != b.balancerFree() {
			return a.balancerFree() > b.balancerFree()
		}
		if a.free() != b.free() {
			return a.free() > b.free()
		}
		if !a.Backend.LastSeenAt.Equal(b.Backend.LastSeenAt) {
			return a.Backend.LastSeenAt.After(b.Backend.LastSeenAt)
		}
		return a.Backend.ID.String() < b.Backend.ID.String()
	})

	winner := eligible[0].Backend
	return &winner, nil
}
