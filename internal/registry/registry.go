// Package registry implements the Room Registry (spec.md section 4.6):
// a shared, gorm-backed key/value store holding meeting snapshots and a
// socket-to-participant index, so any server instance can clean up after
// a dropped connection. Grounded on the teacher's `deps.Deps{DB
// *gorm.DB}` wiring (deps/deps.go) — n0remac-robot-webrtc carries gorm in
// its dependency graph for its own document store; this re-homes the
// same ORM as the conferencing core's durable registry rather than
// dropping it, using gorm's `Where(...).Updates(...)` row-count idiom for
// compare-and-set updates.
package registry

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
)

// roomSnapshotRow is the `room:{meetingId}` key from spec.md section 4.6,
// stored as a row rather than a literal key/value pair since gorm gives
// us indexed lookup. Expired rows are filtered out when read; nothing
// deletes them in the background.
type roomSnapshotRow struct {
	MeetingID string `gorm:"primaryKey;column:meeting_id"`
	Snapshot  []byte `gorm:"column:snapshot"` // JSON-encoded meeting state
	Version   int64  `gorm:"column:version"`  // bumped by AddParticipant/DisconnectSocket (PutSnapshot writes 0), backs DisconnectSocket's CAS
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time
}

func (roomSnapshotRow) TableName() string { return "room_snapshots" }

// socketIndexRow is the `socket-index` mapping from spec.md section 4.6:
// socket id -> (meetingId, participantId), used for O(1) disconnect
// cleanup.
type socketIndexRow struct {
	SocketID      string `gorm:"primaryKey;column:socket_id"`
	MeetingID     string `gorm:"column:meeting_id;index"`
	ParticipantID string `gorm:"column:participant_id"`
	CreatedAt     time.Time
}

func (socketIndexRow) TableName() string { return "socket_index" }

// Snapshot is the JSON shape persisted per meeting: just enough state to
// resume registry bookkeeping after a restart or to hand to another
// instance, not the full in-memory MLM actor state.
type Snapshot struct {
	MeetingID    string    `json:"meetingId"`
	HostID       string    `json:"hostId"`
	Topology     string    `json:"topology"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PeerLeftNotifier is called once the registry has atomically removed a
// participant on disconnect. The client-visible `peer-left` push comes
// from the meeting's own Leave, not from this callback.
type PeerLeftNotifier func(meetingID, participantID string, meetingNowEmpty bool)

// Registry is the Room Registry.
type Registry struct {
	db     *gorm.DB
	log    *logging.Logger
	cfg    *config.Config
	notify PeerLeftNotifier
}

// New opens the registry against a gorm.DB (sqlite for
// single-instance/dev, postgres for multi-instance, per go.mod's two
// driver imports), auto-migrating both of its tables first.
func New(db *gorm.DB, cfg *config.Config, log *logging.Logger, notify PeerLeftNotifier) (*Registry, error) {
	if err := db.AutoMigrate(&roomSnapshotRow{}, &socketIndexRow{}); err != nil {
		return nil, err
	}
	return &Registry{db: db, cfg: cfg, log: log, notify: notify}, nil
}

// PutSnapshot upserts a meeting's snapshot, refreshing its TTL on every
// mutation per spec.md section 4.6 ("24h TTL, refreshed on every
// mutation").
func (r *Registry) PutSnapshot(s Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := time.Now()
	row := roomSnapshotRow{
		MeetingID: s.MeetingID,
		Snapshot:  body,
		ExpiresAt: now.Add(r.cfg.RegistryTTL),
		UpdatedAt: now,
	}
	return r.db.Save(&row).Error
}

// GetSnapshot fetches the current snapshot for a meeting, or
// apierr NotFound if absent or expired.
func (r *Registry) GetSnapshot(meetingID string) (Snapshot, error) {
	var row roomSnapshotRow
	err := r.db.Where("meeting_id = ?", meetingID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, apierr.NotFoundErr("RoomNotFound", "room %s not found", meetingID)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if time.Now().After(row.ExpiresAt) {
		return Snapshot{}, apierr.NotFoundErr("RoomNotFound", "room %s expired", meetingID)
	}
	var s Snapshot
	if err := json.Unmarshal(row.Snapshot, &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// DeleteSnapshot removes a meeting's row (meeting destroyed).
func (r *Registry) DeleteSnapshot(meetingID string) error {
	return r.db.Where("meeting_id = ?", meetingID).Delete(&roomSnapshotRow{}).Error
}

// ListActive returns every non-expired snapshot, backing `GET /rooms`.
func (r *Registry) ListActive() ([]Snapshot, error) {
	var rows []roomSnapshotRow
	if err := r.db.Where("expires_at > ?", time.Now()).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		var s Snapshot
		if err := json.Unmarshal(row.Snapshot, &s); err == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

// SetNotifier wires the PeerLeftNotifier after construction, for callers
// (meeting.Manager) that need a closure over state only available once
// the registry and its owner both exist.
func (r *Registry) SetNotifier(notify PeerLeftNotifier) {
	r.notify = notify
}

// BindSocket records the socket-index entry on join-room.
func (r *Registry) BindSocket(socketID, meetingID, participantID string) error {
	row := socketIndexRow{SocketID: socketID, MeetingID: meetingID, ParticipantID: participantID, CreatedAt: time.Now()}
	return r.db.Save(&row).Error
}

// AddParticipant appends a participant to a meeting's durable snapshot
// (idempotent) and refreshes its TTL, keeping the registry's view of
// membership current as participants actually join -- spec.md section
// 4.6's snapshot is otherwise only ever written once, at meeting create.
func (r *Registry) AddParticipant(meetingID, participantID string) error {
	var row roomSnapshotRow
	err := r.db.Where("meeting_id = ?", meetingID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apierr.NotFoundErr("RoomNotFound", "room %s not found", meetingID)
	}
	if err != nil {
		return err
	}
	var s Snapshot
	if err := json.Unmarshal(row.Snapshot, &s); err != nil {
		return err
	}
	for _, id := range s.Participants {
		if id == participantID {
			return nil
		}
	}
	s.Participants = append(s.Participants, participantID)
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.db.Model(&roomSnapshotRow{}).Where("meeting_id = ?", meetingID).Updates(map[string]any{
		"snapshot":   body,
		"version":    row.Version + 1,
		"expires_at": time.Now().Add(r.cfg.RegistryTTL),
	}).Error
}

// DisconnectSocket performs the atomic cleanup spec.md section 4.6
// describes: lookup socket, remove the participant from its meeting's
// snapshot, delete the meeting if it becomes empty, and invoke the
// PeerLeftNotifier, if one is set.
func (r *Registry) DisconnectSocket(socketID string) error {
	var idx socketIndexRow
	err := r.db.Where("socket_id = ?", socketID).First(&idx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // already cleaned up; disconnect handling is idempotent
	}
	if err != nil {
		return err
	}

	return r.db.Transaction(func(tx *gorm.DB) error {
		var row roomSnapshotRow
		err := tx.Where("meeting_id = ?", idx.MeetingID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Where("socket_id = ?", socketID).Delete(&socketIndexRow{}).Error
		}
		if err != nil {
			return err
		}

		var s Snapshot
		if err := json.Unmarshal(row.Snapshot, &s); err != nil {
			return err
		}
		s.Participants = removeParticipant(s.Participants, idx.ParticipantID)
		empty := len(s.Participants) == 0

		if empty {
			if err := tx.Delete(&roomSnapshotRow{}, "meeting_id = ?", idx.MeetingID).Error; err != nil {
				return err
			}
		} else {
			body, err := json.Marshal(s)
			if err != nil {
				return err
			}
			res := tx.Model(&roomSnapshotRow{}).
				Where("meeting_id = ? AND version = ?", idx.MeetingID, row.Version).
				Updates(map[string]any{
					"snapshot":   body,
					"version":    row.Version + 1,
					"expires_at": time.Now().Add(r.cfg.RegistryTTL),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apierr.New(apierr.Conflict, "VersionConflict", "concurrent snapshot update for %s", idx.MeetingID)
			}
		}

		if err := tx.Where("socket_id = ?", socketID).Delete(&socketIndexRow{}).Error; err != nil {
			return err
		}

		if r.notify != nil {
			r.notify(idx.MeetingID, idx.ParticipantID, empty)
		}
		return nil
	})
}

func removeParticipant(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
