// Package model contains the StatusRecord and the enums shared across packages.
package model

import (
	"strings"
	"time"
)

// Status is the availability half of a presence. A named string type keeps the
// six accepted values distinct from arbitrary text at compile time.
type Status string

const (
	StatusOnline    Status = "online"
	StatusOffline   Status = "offline"
	StatusDND       Status = "dnd"
	StatusIdle      Status = "idle"
	StatusSleeping  Status = "sleeping"
	StatusStreaming Status = "streaming"
)

// Statuses lists every accepted status in display order.
var Statuses = []Status{
	StatusOnline,
	StatusOffline,
	StatusDND,
	StatusIdle,
	StatusSleeping,
	StatusStreaming,
}

// ParseStatus case-folds s and reports whether it names one of the six statuses.
func ParseStatus(s string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Statuses {
		if st == candidate {
			return st, true
		}
	}
	return "", false
}

// StatusNames returns the accepted statuses as plain strings.
func StatusNames() []string {
	out := make([]string, len(Statuses))
	for i, st := range Statuses {
		out[i] = string(st)
	}
	return out
}

// ExemptFromStaleness reports whether a status is left alone by the read-time
// downgrade. Offline and sleeping already under-claim presence.
func (s Status) ExemptFromStaleness() bool {
	return s == StatusOffline || s == StatusSleeping
}

// DisplayName is the human label shown by companion apps.
func (s Status) DisplayName() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusOffline:
		return "Offline"
	case StatusDND:
		return "Do Not Disturb"
	case StatusIdle:
		return "Idle"
	case StatusSleeping:
		return "Sleeping"
	case StatusStreaming:
		return "Streaming"
	default:
		return "Unknown"
	}
}

// ActivityType is the optional "what am I doing" half of a presence.
type ActivityType string

const (
	ActivityPlaying   ActivityType = "playing"
	ActivityWatching  ActivityType = "watching"
	ActivityListening ActivityType = "listening"
)

// StatusRecord is the single persisted presence entity. Optional fields are
// pointers so that JSON round-trips keep null distinct from "".
type StatusRecord struct {
	Status        Status        `json:"status"`
	CustomMessage *string       `json:"customMessage"`
	ActivityType  *ActivityType `json:"activityType"`
	ActivityName  *string       `json:"activityName"`
	EpisodeInfo   *string       `json:"episodeInfo"`
	SeasonInfo    *string       `json:"seasonInfo"`
	// UpdatedAt is milliseconds since the Unix epoch, stamped by the server.
	UpdatedAt int64 `json:"updatedAt"`
}

// NewDefaultRecord is the record synthesized when nothing is stored yet.
func NewDefaultRecord(now time.Time) StatusRecord {
	return StatusRecord{
		Status:    StatusOffline,
		UpdatedAt: now.UnixMilli(),
	}
}

// UpdatedTime converts UpdatedAt back into a time.Time.
func (r StatusRecord) UpdatedTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// HasActivity reports whether an activity type is set.
func (r StatusRecord) HasActivity() bool {
	return r.ActivityType != nil
}

// StaleView applies the staleness rule. When the record claims an active
// status and has not been refreshed for longer than threshold, the returned
// copy reads offline with every activity field cleared. The receiver is a
// value, so the caller's record is never modified.
func (r StatusRecord) StaleView(now time.Time, threshold time.Duration) (StatusRecord, bool) {
	if r.Status.ExemptFromStaleness() {
		return r, false
	}
	if now.Sub(r.UpdatedTime()) <= threshold {
		return r, false
	}
	view := r
	view.Status = StatusOffline
	view.ActivityType = nil
	view.ActivityName = nil
	view.EpisodeInfo = nil
	view.SeasonInfo = nil
	return view, true
}
