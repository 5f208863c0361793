package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/idgen"
)

// RecordingQueries is the persistence port for Recording aggregates.
type RecordingQueries interface {
	Get(ctx context.Context, rtcID uuid.UUID) (*Recording, error)
	EnsureInProgress(ctx context.Context, rtcID uuid.UUID) (*Recording, error)
	// AppendSegment adds the next segment, enforcing the strictly
	// increasing, disjoint invariant. Terminal recordings reject further
	// segments.
	AppendSegment(ctx context.Context, rtcID uuid.UUID, lo, hi time.Time) error
	Finalize(ctx context.Context, rtcID uuid.UUID, status RecordingStatus, dumpsURIs string) error
	// PendingUploads returns every rtc with at least one stream, every
	// stream of which has closed, that has no Recording row yet — the
	// recording finalizer's trigger condition.
	PendingUploads(ctx context.Context) ([]uuid.UUID, error)
}

type gormRecordingQueries struct {
	db *gorm.DB
}

// NewRecordingQueries builds a RecordingQueries backed by db.
func NewRecordingQueries(db *gorm.DB) RecordingQueries {
	return &gormRecordingQueries{db: db}
}

func (q *gormRecordingQueries) Get(ctx context.Context, rtcID uuid.UUID) (*Recording, error) {
	var rec Recording
	err := q.db.WithContext(ctx).
		Preload("Segments", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq ASC") }).
		First(&rec, "rtc_id = ?", rtcID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (q *gormRecordingQueries) EnsureInProgress(ctx context.Context, rtcID uuid.UUID) (*Recording, error) {
	rec := Recording{RtcID: rtcID, Status: RecordingInProgress}
	err := q.db.WithContext(ctx).
		Where("rtc_id = ?", rtcID).
		Attrs(rec).
		FirstOrCreate(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (q *gormRecordingQueries) AppendSegment(ctx context.Context, rtcID uuid.UUID, lo, hi time.Time) error {
	if !lo.Before(hi) {
		return fmt.Errorf("store: segment lo must precede hi")
	}
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec Recording
		if err := tx.First(&rec, "rtc_id = ?", rtcID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if rec.Status != RecordingInProgress {
			return fmt.Errorf("store: recording %s is terminal, rejecting segment append", rtcID)
		}

		var last RecordingSegment
		err := tx.Where("recording_id = ?", rtcID).Order("seq DESC").First(&last).Error
		nextSeq := 0
		if err == nil {
			if !last.Hi.Before(lo) && last.Hi != lo {
				return fmt.Errorf("store: segment [%s,%s) overlaps prior segment ending %s", lo, hi, last.Hi)
			}
			nextSeq = last.Seq + 1
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		segment := RecordingSegment{ID: idgen.Default.New(), RecordingID: rtcID, Seq: nextSeq, Lo: lo, Hi: hi}
		return tx.Create(&segment).Error
	})
}

func (q *gormRecordingQueries) Finalize(ctx context.Context, rtcID uuid.UUID, status RecordingStatus, dumpsURIs string) error {
	if status == RecordingReady {
		var count int64
		if err := q.db.WithContext(ctx).Model(&RecordingSegment{}).
			Where("recording_id = ?", rtcID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("store: cannot finalize recording %s as ready with no segments", rtcID)
		}
	}
	return q.db.WithContext(ctx).
		Model(&Recording{}).
		Where("rtc_id = ? AND status = ?", rtcID, RecordingInProgress).
		Updates(map[string]interface{}{"status": status, "janus_dumps_uris": dumpsURIs}).Error
}

func (q *gormRecordingQueries) PendingUploads(ctx context.Context) ([]uuid.UUID, error) {
	var rtcIDs []uuid.UUID
	err := q.db.WithContext(ctx).
		Model(&RtcStream{}).
		Distinct("rtc_id").
		Where("rtc_id NOT IN (?)", q.db.Model(&RtcStream{}).Select("rtc_id").Where("ended_at IS NULL")).
		Where("rtc_id NOT IN (?)", q.db.Model(&Recording{}).Select("rtc_id")).
		Pluck("rtc_id", &rtcIDs).Error
	return rtcIDs, err
}
