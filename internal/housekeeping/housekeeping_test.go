package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/backendmgr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/store"
	"github.com/netology-group/conference-broker/pkg/gateway"
)

type harness struct {
	sweep *Sweeper
	db    *gorm.DB
	svc   *bus.Service
	mr    *miniredis.Miniredis
	deps  Deps
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	pool := store.DefaultPoolConfig()
	pool.MaxOpenConns = 1
	db, err := store.Open("sqlite://file::memory:?cache=shared", pool)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	mgr := backendmgr.New(backendmgr.Deps{
		Rtcs:                store.NewRtcQueries(db),
		Streams:             store.NewStreamQueries(db),
		Agents:              store.NewAgentQueries(db),
		Backends:            store.NewBackendQueries(db),
		Recordings:          store.NewRecordingQueries(db),
		Gateway:             gateway.NewClient(svc),
		Bus:                 svc,
		Label:               "conference-broker",
		DefaultTimeout:      5 * time.Second,
		StreamUploadTimeout: time.Minute,
	})

	deps := Deps{
		Rooms:      store.NewRoomQueries(db),
		Rtcs:       store.NewRtcQueries(db),
		Streams:    store.NewStreamQueries(db),
		Agents:     store.NewAgentQueries(db),
		Backends:   store.NewBackendQueries(db),
		Recordings: store.NewRecordingQueries(db),
		BackendMgr: mgr,
		Bus:        svc,
		Label:      "conference-broker",
	}
	return &harness{sweep: New(deps), db: db, svc: svc, mr: mr, deps: deps}
}

func (h *harness) close() {
	_ = h.svc.Close()
	h.mr.Close()
}

func newRoomAndRtc(t *testing.T, db *gorm.DB) (store.Room, store.Rtc) {
	t.Helper()
	room := store.Room{ID: uuid.New(), Audience: "dev.svc.example.org", TimeLower: time.Now().Add(-time.Hour), RtcSharingPolicy: store.PolicyShared}
	require.NoError(t, db.Create(&room).Error)
	rtc := store.Rtc{ID: uuid.New(), CreatedBy: "web.user1.dev.svc.example.org"}
	require.NoError(t, store.NewRtcQueries(db).Create(context.Background(), &room, &rtc))
	return room, rtc
}

func TestSweepOrphanedRooms_ClosesOpenStreamsAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	room, rtc := newRoomAndRtc(t, h.db)
	past := time.Now().Add(-time.Minute)
	room.TimeUpper = &past
	require.NoError(t, h.deps.Rooms.Update(ctx, &room))

	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 100, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, h.deps.Backends.UpsertStatus(ctx, backend))

	started := time.Now().Add(-time.Hour)
	stream := &store.RtcStream{RtcID: rtc.ID, BackendID: backend.ID, HandleID: 1, SentBy: rtc.CreatedBy, Label: "cam", StartedAt: &started}
	require.NoError(t, h.deps.Streams.Create(ctx, stream))

	roomSub := h.svc.Client().Subscribe(ctx, bus.RoomEvents(room.ID.String()))
	defer func() { _ = roomSub.Close() }()
	backendSub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = backendSub.Close() }()

	acted, err := h.sweep.sweepOrphanedRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	streams, err := h.deps.Streams.List(ctx, rtc.ID, 25)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.False(t, streams[0].Open())

	detachMsg, err := backendSub.ReceiveMessage(ctx)
	require.NoError(t, err, "force-closing the stream must emit a detach for its handle")
	assert.Contains(t, detachMsg.Payload, "detach")

	msg, err := roomSub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "room.close")
}

func TestSweepOrphanedRooms_SkipsRoomsWithNoOpenStreams(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	room, _ := newRoomAndRtc(t, h.db)
	past := time.Now().Add(-time.Minute)
	room.TimeUpper = &past
	require.NoError(t, h.deps.Rooms.Update(ctx, &room))

	acted, err := h.sweep.sweepOrphanedRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, acted, "a room with no open streams isn't reported as orphaned")
}

func TestSweepOrphanedHandles_ReleasesUnreferencedHandles(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 200, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, h.deps.Backends.UpsertStatus(ctx, backend))
	handle, err := h.deps.Backends.AllocateHandle(ctx, backend.ID)
	require.NoError(t, err)

	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = sub.Close() }()

	acted, err := h.sweep.sweepOrphanedHandles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	detachMsg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err, "reclaiming an orphaned handle must detach it first")
	assert.Contains(t, detachMsg.Payload, "detach")

	reloaded, err := h.deps.Backends.GetHandle(ctx, handle.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.InUse)
}

func TestSweepPendingUploads_TriggersUploadOnceStreamsClose(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)
	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 100, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, h.deps.Backends.UpsertStatus(ctx, backend))

	started := time.Now().Add(-time.Hour)
	ended := time.Now()
	stream := &store.RtcStream{RtcID: rtc.ID, BackendID: backend.ID, HandleID: 7, SentBy: rtc.CreatedBy, Label: "cam", StartedAt: &started}
	require.NoError(t, h.deps.Streams.Create(ctx, stream))
	require.NoError(t, h.deps.Streams.Close(ctx, stream.ID, ended))

	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = sub.Close() }()

	acted, err := h.sweep.sweepPendingUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acted)

	_, err = sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	rec, err := h.deps.Recordings.Get(ctx, rtc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RecordingInProgress, rec.Status)

	acted, err = h.sweep.sweepPendingUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, acted, "a recording already in progress is not re-triggered")
}
