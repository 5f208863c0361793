package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	pool := DefaultPoolConfig()
	// A single shared connection keeps every query on the same in-memory
	// sqlite database; separate connections would each see an empty one.
	pool.MaxOpenConns = 1
	db, err := Open("sqlite://file::memory:?cache=shared", pool)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func createRoom(t *testing.T, db *gorm.DB, policy SharingPolicy) *Room {
	t.Helper()
	room := &Room{
		ID:               uuid.New(),
		Audience:         "dev.svc.example.org",
		TimeLower:        time.Now().Add(-time.Hour),
		RtcSharingPolicy: policy,
	}
	require.NoError(t, NewRoomQueries(db).Create(context.Background(), room))
	return room
}

func TestRoomQueries_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	queries := NewRoomQueries(db)
	room := createRoom(t, db, PolicyShared)

	got, err := queries.Get(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Audience, got.Audience)
}

func TestRoomQueries_Get_NotFound(t *testing.T) {
	queries := NewRoomQueries(newTestDB(t))
	_, err := queries.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoomQueries_Create_RejectsInvertedTimeBounds(t *testing.T) {
	db := newTestDB(t)
	upper := time.Now().Add(-time.Hour)
	room := &Room{
		ID:               uuid.New(),
		Audience:         "dev.svc.example.org",
		TimeLower:        time.Now(),
		TimeUpper:        &upper,
		RtcSharingPolicy: PolicyShared,
	}
	err := NewRoomQueries(db).Create(context.Background(), room)
	assert.Error(t, err)
}

func TestRoomQueries_PinBackend_NeverRePins(t *testing.T) {
	db := newTestDB(t)
	queries := NewRoomQueries(db)
	room := createRoom(t, db, PolicyShared)

	first := uuid.New()
	require.NoError(t, queries.PinBackend(context.Background(), room.ID, first))

	second := uuid.New()
	require.NoError(t, queries.PinBackend(context.Background(), room.ID, second))

	got, err := queries.Get(context.Background(), room.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BackendID)
	assert.Equal(t, first, *got.BackendID)
}

func TestRtcQueries_OwnedPolicy_RejectsSecondRtcForSameOwner(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyOwned)
	queries := NewRtcQueries(db)

	rtc1 := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
	require.NoError(t, queries.Create(context.Background(), room, rtc1))

	rtc2 := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
	err := queries.Create(context.Background(), room, rtc2)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRtcQueries_SharedPolicy_AllowsManyRtcsPerOwner(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyShared)
	queries := NewRtcQueries(db)

	for i := 0; i < 3; i++ {
		rtc := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
		require.NoError(t, queries.Create(context.Background(), room, rtc))
	}
}

func TestRtcQueries_NonePolicy_RejectsCreation(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyNone)
	queries := NewRtcQueries(db)

	err := queries.Create(context.Background(), room, &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"})
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 25, ClampLimit(0, true))
	assert.Equal(t, 25, ClampLimit(1000, false))
	assert.Equal(t, 0, ClampLimit(0, false))
	assert.Equal(t, 10, ClampLimit(10, false))
}

func TestStreamQueries_OnlyOneOpenStreamPerRtc(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyShared)
	rtc := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
	require.NoError(t, NewRtcQueries(db).Create(context.Background(), room, rtc))

	streamQueries := NewStreamQueries(db)
	now := time.Now()
	first := &RtcStream{RtcID: rtc.ID, BackendID: uuid.New(), HandleID: 1, SentBy: "web.user1.dev.svc.example.org", StartedAt: &now}
	require.NoError(t, streamQueries.Create(context.Background(), first))

	second := &RtcStream{RtcID: rtc.ID, BackendID: uuid.New(), HandleID: 2, SentBy: "web.user1.dev.svc.example.org", StartedAt: &now}
	err := streamQueries.Create(context.Background(), second)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStreamQueries_CloseIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyShared)
	rtc := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
	require.NoError(t, NewRtcQueries(db).Create(context.Background(), room, rtc))

	streamQueries := NewStreamQueries(db)
	now := time.Now()
	stream := &RtcStream{RtcID: rtc.ID, BackendID: uuid.New(), HandleID: 1, SentBy: "web.user1.dev.svc.example.org", StartedAt: &now}
	require.NoError(t, streamQueries.Create(context.Background(), stream))

	closedAt := now.Add(time.Minute)
	require.NoError(t, streamQueries.Close(context.Background(), stream.ID, closedAt))
	// Replaying the same close must leave ended_at unchanged.
	require.NoError(t, streamQueries.Close(context.Background(), stream.ID, closedAt.Add(time.Minute)))

	var got RtcStream
	require.NoError(t, db.First(&got, "id = ?", stream.ID).Error)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(closedAt))
}

func TestStreamQueries_CloseAllForBackend(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyShared)
	backendID := uuid.New()
	streamQueries := NewStreamQueries(db)
	now := time.Now()

	for i := 0; i < 2; i++ {
		rtc := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
		require.NoError(t, NewRtcQueries(db).Create(context.Background(), room, rtc))
		stream := &RtcStream{RtcID: rtc.ID, BackendID: backendID, HandleID: int64(i + 1), SentBy: "web.user1.dev.svc.example.org", StartedAt: &now}
		require.NoError(t, streamQueries.Create(context.Background(), stream))
	}

	closed, err := streamQueries.CloseAllForBackend(context.Background(), backendID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, closed, 2)

	used, err := streamQueries.UsedCapacity(context.Background(), backendID)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestBackendQueries_FreshBackendCount(t *testing.T) {
	db := newTestDB(t)
	queries := NewBackendQueries(db)

	fresh := &Backend{ID: uuid.New(), Label: "janus-1", Online: true, LastSeenAt: time.Now()}
	require.NoError(t, queries.UpsertStatus(context.Background(), fresh))

	stale := &Backend{ID: uuid.New(), Label: "janus-2", Online: true, LastSeenAt: time.Now().Add(-time.Hour)}
	require.NoError(t, queries.UpsertStatus(context.Background(), stale))

	count, err := queries.FreshBackendCount(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBackendQueries_SetOffline(t *testing.T) {
	db := newTestDB(t)
	queries := NewBackendQueries(db)
	backend := &Backend{ID: uuid.New(), Label: "janus-1", Online: true, LastSeenAt: time.Now()}
	require.NoError(t, queries.UpsertStatus(context.Background(), backend))

	require.NoError(t, queries.SetOffline(context.Background(), backend.ID, time.Now()))

	got, err := queries.Get(context.Background(), backend.ID)
	require.NoError(t, err)
	assert.False(t, got.Online)
}

func TestBackendQueries_AllocateHandle_ReusesReleased(t *testing.T) {
	db := newTestDB(t)
	queries := NewBackendQueries(db)
	backendID := uuid.New()

	handle, err := queries.AllocateHandle(context.Background(), backendID)
	require.NoError(t, err)
	require.NoError(t, queries.ReleaseHandle(context.Background(), handle.ID))

	reused, err := queries.AllocateHandle(context.Background(), backendID)
	require.NoError(t, err)
	assert.Equal(t, handle.ID, reused.ID)
}

func TestReaderConfigQueries_UpsertIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	queries := NewReaderConfigQueries(db)
	rtcID := uuid.New()

	cfg := &RtcReaderConfig{RtcID: rtcID, ReaderID: "web.user1.dev.svc.example.org", ReceiveVideo: false, ReceiveAudio: true}
	first, err := queries.Upsert(context.Background(), cfg)
	require.NoError(t, err)

	cfgAgain := &RtcReaderConfig{RtcID: rtcID, ReaderID: "web.user1.dev.svc.example.org", ReceiveVideo: false, ReceiveAudio: true}
	second, err := queries.Upsert(context.Background(), cfgAgain)
	require.NoError(t, err)

	assert.Equal(t, first.ReceiveVideo, second.ReceiveVideo)
	assert.Equal(t, first.ReceiveAudio, second.ReceiveAudio)
}

func TestReaderConfigQueries_DefaultsTrueWhenAbsent(t *testing.T) {
	queries := NewReaderConfigQueries(newTestDB(t))
	cfg, err := queries.Get(context.Background(), uuid.New(), "web.user1.dev.svc.example.org")
	require.NoError(t, err)
	assert.True(t, cfg.ReceiveVideo)
	assert.True(t, cfg.ReceiveAudio)
}

func TestRecordingQueries_SegmentsMustBeIncreasing(t *testing.T) {
	db := newTestDB(t)
	rtcID := uuid.New()
	queries := NewRecordingQueries(db)
	_, err := queries.EnsureInProgress(context.Background(), rtcID)
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, queries.AppendSegment(context.Background(), rtcID, base, base.Add(time.Minute)))

	err = queries.AppendSegment(context.Background(), rtcID, base, base.Add(30*time.Second))
	assert.Error(t, err)
}

func TestRecordingQueries_FinalizeReadyRequiresSegments(t *testing.T) {
	db := newTestDB(t)
	rtcID := uuid.New()
	queries := NewRecordingQueries(db)
	_, err := queries.EnsureInProgress(context.Background(), rtcID)
	require.NoError(t, err)

	err = queries.Finalize(context.Background(), rtcID, RecordingReady, "")
	assert.Error(t, err)

	base := time.Now()
	require.NoError(t, queries.AppendSegment(context.Background(), rtcID, base, base.Add(time.Minute)))
	require.NoError(t, queries.Finalize(context.Background(), rtcID, RecordingReady, "s3://bucket/dump"))

	got, err := queries.Get(context.Background(), rtcID)
	require.NoError(t, err)
	assert.Equal(t, RecordingReady, got.Status)
}

func TestAgentQueries_UpsertAndConnectionLifecycle(t *testing.T) {
	db := newTestDB(t)
	room := createRoom(t, db, PolicyShared)
	agentQueries := NewAgentQueries(db)

	agent, err := agentQueries.Upsert(context.Background(), "web.user1.dev.svc.example.org", room.ID, AgentInProgress)
	require.NoError(t, err)
	assert.Equal(t, AgentInProgress, agent.Status)

	// Upsert again transitions status without creating a duplicate row.
	_, err = agentQueries.Upsert(context.Background(), "web.user1.dev.svc.example.org", room.ID, AgentReady)
	require.NoError(t, err)

	agents, err := agentQueries.List(context.Background(), room.ID, 25)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
	assert.Equal(t, AgentReady, agents[0].Status)

	rtc := &Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
	require.NoError(t, NewRtcQueries(db).Create(context.Background(), room, rtc))

	conn := &AgentConnection{AgentID: "web.user1.dev.svc.example.org", RtcID: rtc.ID, HandleID: 1, BackendHandleID: uuid.New()}
	require.NoError(t, agentQueries.Connect(context.Background(), conn))

	_, err = agentQueries.ConnectionFor(context.Background(), "web.user1.dev.svc.example.org", rtc.ID)
	require.NoError(t, err)

	require.NoError(t, agentQueries.Disconnect(context.Background(), "web.user1.dev.svc.example.org", rtc.ID))
	_, err = agentQueries.ConnectionFor(context.Background(), "web.user1.dev.svc.example.org", rtc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
