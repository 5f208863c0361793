package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/idgen"
)

// RoomQueries is the persistence port for Room aggregates.
type RoomQueries interface {
	Create(ctx context.Context, room *Room) error
	Get(ctx context.Context, id uuid.UUID) (*Room, error)
	Update(ctx context.Context, room *Room) error
	PinBackend(ctx context.Context, roomID, backendID uuid.UUID) error
	// ClosedWithOpenStreams returns rooms whose time.upper has passed as of
	// now but that still have at least one open RtcStream, for the closure
	// sweeper.
	ClosedWithOpenStreams(ctx context.Context, now time.Time) ([]Room, error)
}

type gormRoomQueries struct {
	db *gorm.DB
}

// NewRoomQueries builds a RoomQueries backed by db.
func NewRoomQueries(db *gorm.DB) RoomQueries {
	return &gormRoomQueries{db: db}
}

func (q *gormRoomQueries) Create(ctx context.Context, room *Room) error {
	if room.TimeUpper != nil && !room.TimeLower.Before(*room.TimeUpper) {
		return errors.New("store: room.time.lower must precede room.time.upper")
	}
	if room.ID == uuid.Nil {
		room.ID = idgen.Default.New()
	}
	return q.db.WithContext(ctx).Create(room).Error
}

func (q *gormRoomQueries) Get(ctx context.Context, id uuid.UUID) (*Room, error) {
	var room Room
	if err := q.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

func (q *gormRoomQueries) Update(ctx context.Context, room *Room) error {
	return q.db.WithContext(ctx).Save(room).Error
}

func (q *gormRoomQueries) PinBackend(ctx context.Context, roomID, backendID uuid.UUID) error {
	result := q.db.WithContext(ctx).
		Model(&Room{}).
		Where("id = ? AND backend_id IS NULL", roomID).
		Update("backend_id", backendID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either the room doesn't exist, or it is already pinned — the
		// selector's "never re-pin" rule means either way this is not an
		// error the caller should retry.
		return nil
	}
	return nil
}

func (q *gormRoomQueries) ClosedWithOpenStreams(ctx context.Context, now time.Time) ([]Room, error) {
	var rooms []Room
	err := q.db.WithContext(ctx).
		Distinct("rooms.*").
		Joins("JOIN rtcs ON rtcs.room_id = rooms.id").
		Joins("JOIN rtc_streams ON rtc_streams.rtc_id = rtcs.id AND rtc_streams.ended_at IS NULL AND rtc_streams.started_at IS NOT NULL").
		Where("rooms.time_upper IS NOT NULL AND rooms.time_upper <= ?", now).
		Find(&rooms).Error
	return rooms, err
}
