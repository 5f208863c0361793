package selector

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netology-group/conference-broker/internal/store"
)

func intPtr(i int) *int { return &i }

func TestSelect_PinnedBackendChosenWhenOnline(t *testing.T) {
	pinnedID := uuid.New()
	room := store.Room{BackendID: &pinnedID}
	pinned := &Candidate{Backend: store.Backend{ID: pinnedID, Online: true}}

	backend, err := Select(room, pinned, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, pinnedID, backend.ID)
}

func TestSelect_PinnedBackendOffline_NeverRePins(t *testing.T) {
	pinnedID := uuid.New()
	room := store.Room{BackendID: &pinnedID}
	pinned := &Candidate{Backend: store.Backend{ID: pinnedID, Online: false}}

	other := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}}

	_, err := Select(room, pinned, []Candidate{other}, nil)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestSelect_PinnedBackendExcluded(t *testing.T) {
	pinnedID := uuid.New()
	room := store.Room{BackendID: &pinnedID}
	pinned := &Candidate{Backend: store.Backend{ID: pinnedID, Online: true}}

	_, err := Select(room, pinned, nil, map[uuid.UUID]struct{}{pinnedID: {}})
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestSelect_NoPin_FiltersOfflineAndOverCapacity(t *testing.T) {
	offline := Candidate{Backend: store.Backend{ID: uuid.New(), Online: false, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}}
	full := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(5), BalancerCapacity: intPtr(5)}, Used: 5}
	healthy := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}, Used: 2}

	backend, err := Select(store.Room{}, nil, []Candidate{offline, full, healthy}, nil)
	require.NoError(t, err)
	assert.Equal(t, healthy.Backend.ID, backend.ID)
}

func TestSelect_NoEligibleBackend(t *testing.T) {
	full := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(5), BalancerCapacity: intPtr(5)}, Used: 5}
	_, err := Select(store.Room{}, nil, []Candidate{full}, nil)
	assert.ErrorIs(t, err, ErrNoBackendAvailable)
}

func TestSelect_GroupAffinityFilter(t *testing.T) {
	room := store.Room{JanusGroup: "eu"}
	wrongGroup := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Group: "us", Capacity: intPtr(10), BalancerCapacity: intPtr(10)}}
	rightGroup := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Group: "eu", Capacity: intPtr(10), BalancerCapacity: intPtr(10)}}

	backend, err := Select(room, nil, []Candidate{wrongGroup, rightGroup}, nil)
	require.NoError(t, err)
	assert.Equal(t, rightGroup.Backend.ID, backend.ID)
}

func TestSelect_TieBreak_HighestBalancerFreeWins(t *testing.T) {
	low := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}, Used: 8}
	high := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}, Used: 1}

	backend, err := Select(store.Room{}, nil, []Candidate{low, high}, nil)
	require.NoError(t, err)
	assert.Equal(t, high.Backend.ID, backend.ID)
}

func TestSelect_TieBreak_FallsBackToLastSeenThenLexicographicID(t *testing.T) {
	now := time.Now()
	older := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10), LastSeenAt: now.Add(-time.Minute)}, Used: 0}
	newer := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10), LastSeenAt: now}, Used: 0}

	backend, err := Select(store.Room{}, nil, []Candidate{older, newer}, nil)
	require.NoError(t, err)
	assert.Equal(t, newer.Backend.ID, backend.ID)
}

func TestSelect_ExcludedBackendsSkipped(t *testing.T) {
	excludedOne := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}}
	remaining := Candidate{Backend: store.Backend{ID: uuid.New(), Online: true, Capacity: intPtr(10), BalancerCapacity: intPtr(10)}}

	backend, err := Select(store.Room{}, nil, []Candidate{excludedOne, remaining}, map[uuid.UUID]struct{}{excludedOne.Backend.ID: {}})
	require.NoError(t, err)
	assert.Equal(t, remaining.Backend.ID, backend.ID)
}
