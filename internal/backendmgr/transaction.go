// Package backendmgr owns backend session/handle allocation, the in-flight
// transaction table, its watchdog, and the asynchronous gateway event
// reducer — the runtime behind SPEC_FULL §4.3.
package backendmgr

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/metrics"
	"github.com/netology-group/conference-broker/internal/signal"
)

// Transaction correlates one outgoing backend request to the asynchronous
// gateway response it expects, so the watchdog can reap it if no response
// ever arrives.
type Transaction struct {
	ID    uuid.UUID
	Token string // the wire "transaction" field the backend echoes back
	Kind  string
	Reqp  signal.Reqp

	// ResponseTopic/CorrelationData route a synthesized error (e.g. a
	// watchdog timeout) back to the agent that made the original request.
	ResponseTopic   string
	CorrelationData string

	StartedAt time.Time
	SessionID int64
	BackendID uuid.UUID
	RtcID     *uuid.UUID
	Deadline  time.Time
}

// Table is the mutex-protected transaction registry, grounded on the
// teacher's Hub.rooms/Hub.mu pattern (internal/v1/session/hub.go),
// generalized from a room registry to a transaction registry keyed by the
// wire transaction token rather than a room id.
type Table struct {
	mu      sync.Mutex
	byToken map[string]*Transaction
}

// NewTable builds an empty transaction table.
func NewTable() *Table {
	return &Table{byToken: make(map[string]*Transaction)}
}

// Insert registers txn. Per §4.3, this must happen immediately before the
// corresponding request leaves for the bus.
func (t *Table) Insert(txn *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byToken[txn.Token] = txn
	metrics.TransactionsPending.Set(float64(len(t.byToken)))
}

// Retire removes and returns the transaction matching a gateway ack's
// echoed transaction token, if still pending.
func (t *Table) Retire(token string) (*Transaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.byToken[token]
	if ok {
		delete(t.byToken, token)
		metrics.TransactionsPending.Set(float64(len(t.byToken)))
	}
	return txn, ok
}

// SweepExpired removes and returns every transaction whose deadline has
// passed as of now. Called by the watchdog loop.
func (t *Table) SweepExpired(now time.Time) []*Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*Transaction
	for token, txn := range t.byToken {
		if !txn.Deadline.After(now) {
			expired = append(expired, txn)
			delete(t.byToken, token)
		}
	}
	if len(expired) > 0 {
		metrics.TransactionsPending.Set(float64(len(t.byToken)))
	}
	return expired
}

// RetireAllForBackend removes and returns every pending transaction bound
// to backendID, for the backend-offline event (§4.3).
func (t *Table) RetireAllForBackend(backendID uuid.UUID) []*Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	var retired []*Transaction
	for token, txn := range t.byToken {
		if txn.BackendID == backendID {
			retired = append(retired, txn)
			delete(t.byToken, token)
		}
	}
	if len(retired) > 0 {
		metrics.TransactionsPending.Set(float64(len(t.byToken)))
	}
	return retired
}

// Len reports the number of currently pending transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}

const kindUploadStream = "UploadStream"

// deadlineFor computes a transaction's deadline: started_at +
// stream_upload_timeout for uploads, started_at + default_timeout
// otherwise.
func deadlineFor(startedAt time.Time, kind string, defaultTimeout, streamUploadTimeout time.Duration) time.Time {
	if kind == kindUploadStream {
		return startedAt.Add(streamUploadTimeout)
	}
	return startedAt.Add(defaultTimeout)
}
