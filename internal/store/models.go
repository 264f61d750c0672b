package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Analysis struct {
	ID         string
	ProjectID  string
	DocumentID string
	Title      string
	Status     string
	UpdatedAt  time.Time
}

// Analysis statuses. Entries may only be mutated while the analysis is a draft.
const (
	AnalysisDraft    = "draft"
	AnalysisInReview = "in_review"
	AnalysisApproved = "approved"
	AnalysisArchived = "archived"
)

type CollabSession struct {
	ID         string
	AnalysisID string
	Name       string
	Status     string
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	EndedAt    *time.Time
	Notes      string
}

const (
	SessionActive = "active"
	SessionPaused = "paused"
	SessionEnded  = "ended"
)

type Participant struct {
	ID             string
	SessionID      string
	UserID         string
	UserName       string
	UserEmail      string
	JoinedAt       time.Time
	LeftAt         *time.Time
	IsActive       bool
	CursorPosition json.RawMessage
	LastActivityAt time.Time
}

type Entry struct {
	ID              string
	AnalysisID      string
	NodeID          string
	GuideWord       string
	Parameter       string
	Deviation       string
	Causes          []string
	Consequences    []string
	Safeguards      []string
	Recommendations []string
	Notes           string
	Version         int
	Severity        *int
	Likelihood      *int
	RiskRank        string
	UpdatedAt       time.Time
	UpdatedBy       string
}

// EntryRiskFactors is the slice of an entry the aggregate recompute needs.
type EntryRiskFactors struct {
	NodeID     string
	Severity   *int
	Likelihood *int
}
