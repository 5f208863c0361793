package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/idgen"
)

// AgentQueries is the persistence port for Agent presence and
// AgentConnection aggregates.
type AgentQueries interface {
	Upsert(ctx context.Context, agentID string, roomID uuid.UUID, status AgentStatus) (*Agent, error)
	Get(ctx context.Context, agentID string, roomID uuid.UUID) (*Agent, error)
	List(ctx context.Context, roomID uuid.UUID, limit int) ([]Agent, error)
	Delete(ctx context.Context, agentID string, roomID uuid.UUID) error

	Connect(ctx context.Context, conn *AgentConnection) error
	ConnectionFor(ctx context.Context, agentID string, rtcID uuid.UUID) (*AgentConnection, error)
	Disconnect(ctx context.Context, agentID string, rtcID uuid.UUID) error
	// DisconnectByHandle removes the connection referencing
	// backendHandleID, for hangup/detach/timeout reduction where only the
	// backend handle is known.
	DisconnectByHandle(ctx context.Context, backendHandleID uuid.UUID) error
	// DisconnectByRtcHandle removes the connection bound to (rtcID,
	// handleID) — the janus numeric handle carried on gateway events,
	// as opposed to the BackendHandle pool row DisconnectByHandle keys on.
	DisconnectByRtcHandle(ctx context.Context, rtcID uuid.UUID, handleID int64) error
}

type gormAgentQueries struct {
	db *gorm.DB
}

// NewAgentQueries builds an AgentQueries backed by db.
func NewAgentQueries(db *gorm.DB) AgentQueries {
	return &gormAgentQueries{db: db}
}

func (q *gormAgentQueries) Upsert(ctx context.Context, agentID string, roomID uuid.UUID, status AgentStatus) (*Agent, error) {
	var agent Agent
	err := q.db.WithContext(ctx).
		Where("agent_id = ? AND room_id = ?", agentID, roomID).
		First(&agent).Error
	if err == nil {
		agent.Status = status
		if saveErr := q.db.WithContext(ctx).Save(&agent).Error; saveErr != nil {
			return nil, saveErr
		}
		return &agent, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	agent = Agent{ID: idgen.Default.New(), AgentID: agentID, RoomID: roomID, Status: status}
	if err := q.db.WithContext(ctx).Create(&agent).Error; err != nil {
		return nil, err
	}
	return &agent, nil
}

func (q *gormAgentQueries) Get(ctx context.Context, agentID string, roomID uuid.UUID) (*Agent, error) {
	var agent Agent
	err := q.db.WithContext(ctx).
		Where("agent_id = ? AND room_id = ?", agentID, roomID).
		First(&agent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &agent, nil
}

func (q *gormAgentQueries) List(ctx context.Context, roomID uuid.UUID, limit int) ([]Agent, error) {
	var agents []Agent
	if limit == 0 {
		return agents, nil
	}
	err := q.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Limit(limit).
		Find(&agents).Error
	return agents, err
}

func (q *gormAgentQueries) Delete(ctx context.Context, agentID string, roomID uuid.UUID) error {
	return q.db.WithContext(ctx).
		Where("agent_id = ? AND room_id = ?", agentID, roomID).
		Delete(&Agent{}).Error
}

func (q *gormAgentQueries) Connect(ctx context.Context, conn *AgentConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = idgen.Default.New()
	}
	return q.db.WithContext(ctx).
		Where("agent_id = ? AND rtc_id = ?", conn.AgentID, conn.RtcID).
		Assign(conn).
		FirstOrCreate(conn).Error
}

func (q *gormAgentQueries) ConnectionFor(ctx context.Context, agentID string, rtcID uuid.UUID) (*AgentConnection, error) {
	var conn AgentConnection
	err := q.db.WithContext(ctx).
		Where("agent_id = ? AND rtc_id = ?", agentID, rtcID).
		First(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func (q *gormAgentQueries) Disconnect(ctx context.Context, agentID string, rtcID uuid.UUID) error {
	return q.db.WithContext(ctx).
		Where("agent_id = ? AND rtc_id = ?", agentID, rtcID).
		Delete(&AgentConnection{}).Error
}

func (q *gormAgentQueries) DisconnectByHandle(ctx context.Context, backendHandleID uuid.UUID) error {
	return q.db.WithContext(ctx).
		Where("backend_handle_id = ?", backendHandleID).
		Delete(&AgentConnection{}).Error
}

func (q *gormAgentQueries) DisconnectByRtcHandle(ctx context.Context, rtcID uuid.UUID, handleID int64) error {
	return q.db.WithContext(ctx).
		Where("rtc_id = ? AND handle_id = ?", rtcID, handleID).
		Delete(&AgentConnection{}).Error
}
