package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/idgen"
)

// StreamQueries is the persistence port for RtcStream aggregates.
type StreamQueries interface {
	// Create inserts a new stream row, pre-open (StartedAt unset).
	Create(ctx context.Context, stream *RtcStream) error
	// OpenByBackendHandle finds the stream currently bound to
	// (backendID, handleID) with no ended_at, for event reduction.
	OpenByBackendHandle(ctx context.Context, backendID uuid.UUID, handleID int64) (*RtcStream, error)
	// MarkStarted sets started_at = at if unset; idempotent.
	MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	// Close sets ended_at = at if unset; idempotent (replaying the same
	// close twice is a no-op, not an error).
	Close(ctx context.Context, id uuid.UUID, at time.Time) error
	// CloseAllForBackend closes every open stream hosted by backendID, for
	// the backend-offline event.
	CloseAllForBackend(ctx context.Context, backendID uuid.UUID, at time.Time) ([]RtcStream, error)
	// OpenBySenderInRoom returns every open stream sent by agentID across
	// all of roomID's RTCs, for the room.leave handler's writer cleanup.
	OpenBySenderInRoom(ctx context.Context, roomID uuid.UUID, agentID string) ([]RtcStream, error)
	List(ctx context.Context, rtcID uuid.UUID, limit int) ([]RtcStream, error)
	// UsedCapacity counts open streams pinned to backendID.
	UsedCapacity(ctx context.Context, backendID uuid.UUID) (int, error)
}

type gormStreamQueries struct {
	db *gorm.DB
}

// NewStreamQueries builds a StreamQueries backed by db.
func NewStreamQueries(db *gorm.DB) StreamQueries {
	return &gormStreamQueries{db: db}
}

func (q *gormStreamQueries) Create(ctx context.Context, stream *RtcStream) error {
	if stream.ID == uuid.Nil {
		stream.ID = idgen.Default.New()
	}
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		// "Open" means upper-unbounded (ended_at IS NULL), whether or not
		// WebRtcUp has set started_at yet — a pending writer offer already
		// occupies the rtc's one open-stream slot.
		if err := tx.Model(&RtcStream{}).
			Where("rtc_id = ? AND ended_at IS NULL", stream.RtcID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(stream).Error
	})
}

func (q *gormStreamQueries) OpenByBackendHandle(ctx context.Context, backendID uuid.UUID, handleID int64) (*RtcStream, error) {
	var stream RtcStream
	err := q.db.WithContext(ctx).
		Where("backend_id = ? AND handle_id = ? AND ended_at IS NULL", backendID, handleID).
		First(&stream).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &stream, nil
}

func (q *gormStreamQueries) MarkStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.db.WithContext(ctx).
		Model(&RtcStream{}).
		Where("id = ? AND started_at IS NULL", id).
		Update("started_at", at).Error
}

func (q *gormStreamQueries) Close(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.db.WithContext(ctx).
		Model(&RtcStream{}).
		Where("id = ? AND ended_at IS NULL", id).
		Update("ended_at", at).Error
}

func (q *gormStreamQueries) CloseAllForBackend(ctx context.Context, backendID uuid.UUID, at time.Time) ([]RtcStream, error) {
	var closed []RtcStream
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("backend_id = ? AND ended_at IS NULL", backendID).Find(&closed).Error; err != nil {
			return err
		}
		if len(closed) == 0 {
			return nil
		}
		return tx.Model(&RtcStream{}).
			Where("backend_id = ? AND ended_at IS NULL", backendID).
			Update("ended_at", at).Error
	})
	return closed, err
}

func (q *gormStreamQueries) OpenBySenderInRoom(ctx context.Context, roomID uuid.UUID, agentID string) ([]RtcStream, error) {
	var streams []RtcStream
	err := q.db.WithContext(ctx).
		Joins("JOIN rtcs ON rtcs.id = rtc_streams.rtc_id").
		Where("rtcs.room_id = ? AND rtc_streams.sent_by = ? AND rtc_streams.ended_at IS NULL", roomID, agentID).
		Find(&streams).Error
	return streams, err
}

func (q *gormStreamQueries) List(ctx context.Context, rtcID uuid.UUID, limit int) ([]RtcStream, error) {
	var streams []RtcStream
	if limit == 0 {
		return streams, nil
	}
	err := q.db.WithContext(ctx).
		Where("rtc_id = ?", rtcID).
		Order("started_at ASC").
		Limit(limit).
		Find(&streams).Error
	return streams, err
}

func (q *gormStreamQueries) UsedCapacity(ctx context.Context, backendID uuid.UUID) (int, error) {
	var count int64
	err := q.db.WithContext(ctx).
		Model(&RtcStream{}).
		Where("backend_id = ? AND started_at IS NOT NULL AND ended_at IS NULL", backendID).
		Count(&count).Error
	return int(count), err
}
