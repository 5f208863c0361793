package backendmgr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

func TestOnAttachAck_RecordsConnectionAndDeliversSuccess(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	_, rtc := newRoomAndRtc(t, h.db)
	backendID := uuid.New()
	responseTopic := "agents/web.user1.dev.svc.example.org/api/v1/in/session"

	sub := h.svc.Client().Subscribe(ctx, responseTopic)
	defer func() { _ = sub.Close() }()

	reqp := signal.Reqp{Method: "rtc.connect", AgentLabel: "web", AccountLabel: "user1", Audience: "dev.svc.example.org"}
	h.mgr.Table().Insert(&Transaction{
		Token: "attach-1", Kind: "CreateRtcHandle", Reqp: reqp,
		ResponseTopic: responseTopic, CorrelationData: "corr-attach",
		BackendID: backendID, RtcID: &rtc.ID, Deadline: time.Now().Add(time.Minute),
	})

	h.mgr.OnAttachAck(ctx, "attach-1", 777)

	assert.Equal(t, 0, h.mgr.Table().Len())
	conn, err := store.NewAgentQueries(h.db).ConnectionFor(ctx, reqp.AgentLabel+"."+reqp.AccountLabel+"."+reqp.Audience, rtc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(777), conn.HandleID)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, 200, env.Properties.StatusCode)
	assert.Equal(t, "corr-attach", env.Properties.CorrelationData)
}

func TestOnAttachAck_UnknownTokenIsIgnored(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	h.mgr.OnAttachAck(ctx, "no-such-token", 1)
}

func TestOnStreamAck_SuccessDeliversJsep(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	responseTopic := "agents/web.user1.dev.svc.example.org/api/v1/in/session"
	sub := h.svc.Client().Subscribe(ctx, responseTopic)
	defer func() { _ = sub.Close() }()

	h.mgr.Table().Insert(&Transaction{
		Token: "stream-1", Kind: "CreateStream",
		ResponseTopic: responseTopic, CorrelationData: "corr-stream",
		Deadline: time.Now().Add(time.Minute),
	})

	h.mgr.OnStreamAck(ctx, "stream-1", []byte(`{"type":"answer","sdp":"..."}`), true)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, 200, env.Properties.StatusCode)
}

func TestOnStreamAck_FailureDeliversInvalidJsepError(t *testing.T) {
	h := newHarness(t)
	defer h.close()
	ctx := context.Background()

	responseTopic := "agents/web.user1.dev.svc.example.org/api/v1/in/session"
	sub := h.svc.Client().Subscribe(ctx, responseTopic)
	defer func() { _ = sub.Close() }()

	h.mgr.Table().Insert(&Transaction{
		Token: "stream-2", Kind: "ReadStream",
		ResponseTopic: responseTopic, CorrelationData: "corr-stream-2",
		Deadline: time.Now().Add(time.Minute),
	})

	h.mgr.OnStreamAck(ctx, "stream-2", nil, false)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, 400, env.Properties.StatusCode)
}
