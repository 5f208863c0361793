package backendmgr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
	"github.com/netology-group/conference-broker/pkg/gateway"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	pool := store.DefaultPoolConfig()
	pool.MaxOpenConns = 1
	db, err := store.Open("sqlite://file::memory:?cache=shared", pool)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

type testHarness struct {
	mgr   *Manager
	db    *gorm.DB
	svc   *bus.Service
	mr    *miniredis.Miniredis
	rtcs  store.RtcQueries
	streams store.StreamQueries
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db := newTestDB(t)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	deps := Deps{
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
	}
	return &testHarness{
		mgr:     New(deps),
		db:      db,
		svc:     svc,
		mr:      mr,
		rtcs:    deps.Rtcs,
		streams: deps.Streams,
	}
}

func (h *testHarness) close() {
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

func TestManager_Attach_RegistersTransactionAndPublishes(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)
	backendID := uuid.New()

	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backendID.String()))
	defer func() { _ = sub.Close() }()

	reqp := signal.Reqp{Method: "rtc_signal.create", AgentLabel: "web", AccountLabel: "user1", Audience: "dev.svc.example.org"}
	err := h.mgr.Attach(ctx, backendID, 42, rtc.ID, reqp, "agents/web.user1/api/v1/in/session", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.mgr.Table().Len())

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "attach", env.Properties.Method)
}

func TestManager_Attach_PublishFailureRetiresTransaction(t *testing.T) {
	h := newHarness(t)
	defer func() { _ = h.svc.Close() }()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)
	backendID := uuid.New()
	reqp := signal.Reqp{Method: "rtc_signal.create"}

	h.mr.Close() // kill the bus so the gateway publish fails
	err := h.mgr.Attach(ctx, backendID, 1, rtc.ID, reqp, "", "corr-2")
	assert.Error(t, err)
	assert.Equal(t, 0, h.mgr.Table().Len())
}

func TestManager_DetachHandle_PublishesDetach(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	backendID := uuid.New()
	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backendID.String()))
	defer func() { _ = sub.Close() }()

	require.NoError(t, h.mgr.DetachHandle(ctx, backendID, 100, 5))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "detach", env.Properties.Method)
}

// establishConnection writes the AgentConnection/BackendHandle rows
// directly, the state an attach ack would otherwise populate.
func establishConnection(t *testing.T, h *testHarness, backend store.Backend, rtcID uuid.UUID, agentID string, handleID int64) {
	t.Helper()
	ctx := context.Background()
	bh := &store.BackendHandle{ID: uuid.New(), BackendID: backend.ID, HandleID: handleID, InUse: true}
	require.NoError(t, h.db.Create(bh).Error)
	conn := &store.AgentConnection{AgentID: agentID, RtcID: rtcID, HandleID: handleID, BackendHandleID: bh.ID}
	require.NoError(t, store.NewAgentQueries(h.db).Connect(ctx, conn))
}

func TestManager_PushWriterConfig_PublishesToAgentsBackendHandle(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)
	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 900, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, store.NewBackendQueries(h.db).UpsertStatus(ctx, backend))
	agentID := "web.user1.dev.svc.example.org"
	establishConnection(t, h, *backend, rtc.ID, agentID, 42)

	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = sub.Close() }()

	require.NoError(t, h.mgr.PushWriterConfig(ctx, rtc.ID, agentID))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	var body struct {
		Body struct {
			Method string `json:"method"`
		} `json:"body"`
	}
	require.NoError(t, env.Unmarshal(&body))
	assert.Equal(t, "writer_config.update", body.Body.Method)
}

func TestManager_PushReaderConfig_NoConnectionIsNotAnError(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)

	assert.NoError(t, h.mgr.PushReaderConfig(ctx, rtc.ID, "web.nobody.dev.svc.example.org"))
}

func TestManager_NotifyAgentLeave_PublishesToAgentsBackendHandle(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)
	backend := &store.Backend{ID: uuid.New(), Label: "janus-1", SessionID: 901, Online: true, LastSeenAt: time.Now()}
	require.NoError(t, store.NewBackendQueries(h.db).UpsertStatus(ctx, backend))
	agentID := "web.user2.dev.svc.example.org"
	establishConnection(t, h, *backend, rtc.ID, agentID, 43)

	sub := h.svc.Client().Subscribe(ctx, bus.BackendInbound(backend.ID.String()))
	defer func() { _ = sub.Close() }()

	require.NoError(t, h.mgr.NotifyAgentLeave(ctx, rtc.ID, agentID))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	var body struct {
		Body struct {
			Method string `json:"method"`
		} `json:"body"`
	}
	require.NoError(t, env.Unmarshal(&body))
	assert.Equal(t, "agent.leave", body.Body.Method)
}

func TestManager_DeliverError_PublishesUnicastResponse(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	responseTopic := "agents/web.user1/api/v1/in/session"
	sub := h.svc.Client().Subscribe(ctx, responseTopic)
	defer func() { _ = sub.Close() }()

	txn := &Transaction{
		ID:              uuid.New(),
		Token:           "tok-err",
		ResponseTopic:   responseTopic,
		CorrelationData: "corr-3",
	}
	h.mgr.deliverError(ctx, txn, apperr.New(apperr.KindBackendOffline, "backend went offline", nil))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, 503, env.Properties.StatusCode)
	assert.Equal(t, "corr-3", env.Properties.CorrelationData)
}
