package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/store"
)

func TestDispatch_SystemVacuum_DetachesBeforeReleasing(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 321, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, h.deps.Backends.UpsertStatus(ctx, backend))
	handle, err := h.deps.Backends.AllocateHandle(ctx, backend.ID)
	require.NoError(t, err)

	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = sub.Close() }()

	env := requestEnvelope(t, "system.vacuum", "web.operator.dev.svc.example.org", map[string]string{})
	resp := h.d.Handle(ctx, env)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Properties.StatusCode)

	var out map[string]int
	require.NoError(t, resp.Unmarshal(&out))
	assert.Equal(t, 1, out["reclaimed"])

	detachMsg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err, "vacuum must detach an orphaned handle before releasing it")
	var env2 bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(detachMsg.Payload), &env2))
	assert.Equal(t, "detach", env2.Properties.Method)

	reloaded, err := h.deps.Backends.GetHandle(ctx, handle.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.InUse)
}

func TestDispatch_SystemCloseOrphanedRooms_DetachesStreamHandles(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	room := &store.Room{Audience: "dev.svc.example.org", TimeLower: time.Now().Add(-time.Hour), RtcSharingPolicy: store.PolicyShared}
	require.NoError(t, h.deps.Rooms.Create(ctx, room))
	past := time.Now().Add(-time.Minute)
	room.TimeUpper = &past
	require.NoError(t, h.deps.Rooms.Update(ctx, room))

	rtc := &store.Rtc{CreatedBy: "web.user123.dev.svc.example.org"}
	require.NoError(t, h.deps.Rtcs.Create(ctx, room, rtc))

	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 654, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, h.deps.Backends.UpsertStatus(ctx, backend))

	started := time.Now().Add(-time.Hour)
	stream := &store.RtcStream{RtcID: rtc.ID, BackendID: backend.ID, HandleID: 9, SentBy: rtc.CreatedBy, Label: "cam", StartedAt: &started}
	require.NoError(t, h.deps.Streams.Create(ctx, stream))

	backendSub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = backendSub.Close() }()
	roomSub := h.svc.Client().Subscribe(ctx, bus.RoomEvents(room.ID.String()))
	defer func() { _ = roomSub.Close() }()

	env := requestEnvelope(t, "system.close_orphaned_rooms", "web.operator.dev.svc.example.org", map[string]string{})
	resp := h.d.Handle(ctx, env)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Properties.StatusCode)

	var out map[string]int
	require.NoError(t, resp.Unmarshal(&out))
	assert.Equal(t, 1, out["closed_rooms"])

	detachMsg, err := backendSub.ReceiveMessage(ctx)
	require.NoError(t, err, "force-closing a room's stream must detach its handle")
	var env2 bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(detachMsg.Payload), &env2))
	assert.Equal(t, "detach", env2.Properties.Method)

	_, err = roomSub.ReceiveMessage(ctx)
	require.NoError(t, err)

	streams, err := h.deps.Streams.List(ctx, rtc.ID, 25)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.False(t, streams[0].Open())
}
