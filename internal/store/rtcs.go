package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/idgen"
)

// RtcQueries is the persistence port for Rtc aggregates.
type RtcQueries interface {
	// Create inserts rtc, enforcing the single-RTC-per-owner rule when the
	// parent room's policy is Owned. Returns ErrConflict if the owner
	// already has an RTC in that room.
	Create(ctx context.Context, room *Room, rtc *Rtc) error
	Get(ctx context.Context, id uuid.UUID) (*Rtc, error)
	List(ctx context.Context, roomID uuid.UUID, limit int) ([]Rtc, error)
}

type gormRtcQueries struct {
	db *gorm.DB
}

// NewRtcQueries builds an RtcQueries backed by db.
func NewRtcQueries(db *gorm.DB) RtcQueries {
	return &gormRtcQueries{db: db}
}

func (q *gormRtcQueries) Create(ctx context.Context, room *Room, rtc *Rtc) error {
	if room.RtcSharingPolicy == PolicyNone {
		return ErrPolicyForbidsCreation
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if room.RtcSharingPolicy == PolicyOwned {
			var count int64
			if err := tx.Model(&Rtc{}).
				Where("room_id = ? AND created_by = ?", room.ID, rtc.CreatedBy).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrConflict
			}
		}
		if rtc.ID == uuid.Nil {
			rtc.ID = idgen.Default.New()
		}
		rtc.RoomID = room.ID
		return tx.Create(rtc).Error
	})
}

func (q *gormRtcQueries) Get(ctx context.Context, id uuid.UUID) (*Rtc, error) {
	var rtc Rtc
	if err := q.db.WithContext(ctx).First(&rtc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rtc, nil
}

// ClampLimit applies the spec's request limit boundary: absent defaults to
// 25; anything over 25 clamps to 25; explicit 0 yields 0 rows. Dispatcher
// handlers call this before passing a limit down to List queries.
func ClampLimit(limit int, absent bool) int {
	if absent {
		return 25
	}
	if limit > 25 {
		return 25
	}
	if limit < 0 {
		return 0
	}
	return limit
}

func (q *gormRtcQueries) List(ctx context.Context, roomID uuid.UUID, limit int) ([]Rtc, error) {
	var rtcs []Rtc
	if limit == 0 {
		return rtcs, nil
	}
	err := q.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Limit(limit).
		Find(&rtcs).Error
	return rtcs, err
}
