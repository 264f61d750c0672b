// Package live fans committed session events out to connected clients.
package live

import (
	"encoding/json"
	"time"
)

// Event types pushed over a session's live channel.
const (
	EventEntryCreated     = "entry.created"
	EventEntryUpdated     = "entry.updated"
	EventEntryDeleted     = "entry.deleted"
	EventEntryRiskChanged = "entry.risk_changed"
	EventRiskSummary      = "risk.summary"
	EventParticipantJoin  = "participant.joined"
	EventParticipantLeft  = "participant.left"
	EventSessionStatus    = "session.status_changed"
)

// Event is the envelope delivered to every live connection of a session.
// Seq is assigned by the hub in commit order and is strictly increasing per
// session as seen by any one connection.
type Event struct {
	Type        string          `json:"type"`
	Seq         uint64          `json:"seq"`
	SessionID   string          `json:"sessionId"`
	AnalysisID  string          `json:"analysisId,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	EntryID     string          `json:"entryId,omitempty"`
	Version     int             `json:"version,omitempty"`
	Status      string          `json:"status,omitempty"`
	Entry       json.RawMessage `json:"entry,omitempty"`
	Participant json.RawMessage `json:"participant,omitempty"`
	Summary     json.RawMessage `json:"summary,omitempty"`
	Timestamp   time.Time       `json:"ts"`
}
