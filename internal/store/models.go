package store

import (
	"time"

	"github.com/google/uuid"
)

// SharingPolicy is a room's rtc_sharing_policy.
type SharingPolicy string

const (
	PolicyNone   SharingPolicy = "none"
	PolicyShared SharingPolicy = "shared"
	PolicyOwned  SharingPolicy = "owned"
)

// AgentStatus is an Agent row's presence status.
type AgentStatus string

const (
	AgentInProgress AgentStatus = "in_progress"
	AgentReady      AgentStatus = "ready"
)

// RecordingStatus is a Recording row's terminal/non-terminal state.
type RecordingStatus string

const (
	RecordingInProgress RecordingStatus = "in_progress"
	RecordingReady      RecordingStatus = "ready"
	RecordingMissing    RecordingStatus = "missing"
)

// Room is a tenant-scoped, time-bounded conference container.
type Room struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey"`
	Audience         string        `gorm:"index;not null"`
	TimeLower        time.Time     `gorm:"not null"`
	TimeUpper        *time.Time
	RtcSharingPolicy SharingPolicy `gorm:"not null;default:none"`
	BackendID        *uuid.UUID    `gorm:"type:uuid;index"`
	ClassroomID      *uuid.UUID    `gorm:"type:uuid"`
	JanusGroup       string
	CreatedAt        time.Time `gorm:"not null;autoCreateTime"`
}

// Closed reports whether the room's upper time bound has already passed.
func (r Room) Closed(now time.Time) bool {
	return r.TimeUpper != nil && !r.TimeUpper.After(now)
}

// Rtc is a logical real-time connection anchored to a room.
type Rtc struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RoomID    uuid.UUID `gorm:"type:uuid;index;not null"`
	CreatedBy string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// RtcStream is an active or closed backend-side media flow bound to an Rtc.
type RtcStream struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RtcID     uuid.UUID `gorm:"type:uuid;index;not null"`
	BackendID uuid.UUID `gorm:"type:uuid;index;not null"`
	HandleID  int64     `gorm:"not null"`
	Label     string
	SentBy    string `gorm:"not null"`
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Open reports whether the stream has started and has no upper time bound
// yet.
func (s RtcStream) Open() bool {
	return s.StartedAt != nil && s.EndedAt == nil
}

// Agent is one (agent_id, room_id) presence row.
type Agent struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey"`
	AgentID   string      `gorm:"index:idx_agent_room,unique;not null"`
	RoomID    uuid.UUID   `gorm:"type:uuid;index:idx_agent_room,unique;not null"`
	Status    AgentStatus `gorm:"not null;default:in_progress"`
	CreatedAt time.Time   `gorm:"not null;autoCreateTime"`
}

// AgentConnection ties an agent to the backend handle carrying its media
// for a given Rtc. One row per (agent_id, rtc_id).
type AgentConnection struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	AgentID         string    `gorm:"index:idx_conn_agent_rtc,unique;not null"`
	RtcID           uuid.UUID `gorm:"type:uuid;index:idx_conn_agent_rtc,unique;not null"`
	HandleID        int64     `gorm:"not null"`
	BackendHandleID uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
}

// Backend is a media gateway instance (an SFU), identified by its agent id.
type Backend struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Label            string    `gorm:"not null"`
	SessionID        int64
	HandleID         int64
	Capacity         *int
	BalancerCapacity *int
	Group            string `gorm:"index"`
	APIVersion       string
	Online           bool      `gorm:"not null;default:true"`
	LastSeenAt       time.Time `gorm:"not null"`
}

// BackendHandle is a pre-allocated, reusable gateway handle pool entry.
type BackendHandle struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	BackendID uuid.UUID `gorm:"type:uuid;index;not null"`
	HandleID  int64     `gorm:"not null"`
	InUse     bool      `gorm:"not null;default:false"`
}

// RtcReaderConfig is the upsertable per-(rtc, reader) receive preference.
type RtcReaderConfig struct {
	RtcID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReaderID     string    `gorm:"primaryKey"`
	ReceiveVideo bool      `gorm:"not null;default:true"`
	ReceiveAudio bool      `gorm:"not null;default:true"`
}

// RtcWriterConfig is the per-rtc writer's send/encoding preference, pushed
// to the backend whenever it changes.
type RtcWriterConfig struct {
	RtcID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	SendVideo bool      `gorm:"not null;default:true"`
	SendAudio bool      `gorm:"not null;default:true"`
	VideoRemb *int64
}

// RecordingSegment is one half-open [Lo, Hi) window of a recording.
type RecordingSegment struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RecordingID uuid.UUID `gorm:"type:uuid;index:idx_segment_recording,unique;not null"`
	Seq         int       `gorm:"index:idx_segment_recording,unique;not null"`
	Lo          time.Time `gorm:"not null"`
	Hi          time.Time `gorm:"not null"`
}

// Recording is the rtc-level dump lifecycle: in_progress until every stream
// has closed and the upload has been acknowledged, then ready or missing.
type Recording struct {
	RtcID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	StartedAt      *time.Time
	Status         RecordingStatus `gorm:"not null;default:in_progress"`
	JanusDumpsUris string
	Segments       []RecordingSegment `gorm:"foreignKey:RecordingID;references:RtcID"`
}

// AllModels lists every GORM model this store manages, for AutoMigrate.
func AllModels() []interface{} {
	return []interface{}{
		&Room{},
		&Rtc{},
		&RtcStream{},
		&Agent{},
		&AgentConnection{},
		&Backend{},
		&BackendHandle{},
		&RtcReaderConfig{},
		&RtcWriterConfig{},
		&Recording{},
		&RecordingSegment{},
	}
}
