package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"hazsync/api/internal/access"
	"hazsync/api/internal/auth"
	"hazsync/api/internal/config"
	"hazsync/api/internal/live"
	"hazsync/api/internal/search"
	"hazsync/api/internal/store"
	"hazsync/api/internal/util"
)

// Session is the verified caller identity for one request. Project roles are
// resolved per operation, not at authentication time.
type Session struct {
	UserID    string
	UserName  string
	UserEmail string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUser(context.Context, store.User) error
	GetProjectRole(ctx context.Context, userID, projectID string) (string, error)
	GetAnalysis(context.Context, string) (store.Analysis, error)
	NodeInDocument(ctx context.Context, nodeID, documentID string) (bool, error)

	GetActiveSessionByAnalysis(context.Context, string) (*store.CollabSession, error)
	InsertSession(context.Context, store.CollabSession) error
	GetSession(context.Context, string) (store.CollabSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID, status string) (bool, error)

	UpsertParticipant(context.Context, store.Participant) (store.Participant, error)
	MarkParticipantLeft(ctx context.Context, sessionID, userID string) (bool, error)
	TouchParticipant(ctx context.Context, sessionID, userID string, cursor json.RawMessage) (bool, error)
	ListActiveParticipants(context.Context, string) ([]store.Participant, error)
	CountActiveParticipants(context.Context, string) (int, error)
	EvictIdleParticipants(context.Context, time.Time) ([]store.Participant, error)

	InsertEntry(context.Context, store.Entry) error
	GetEntry(context.Context, string) (store.Entry, error)
	UpdateEntryIfVersion(ctx context.Context, e store.Entry, baseVersion int) (store.Entry, bool, error)
	UpdateEntryRisk(ctx context.Context, entryID string, severity, likelihood *int, riskRank, updatedBy string) (store.Entry, bool, error)
	DeleteEntry(context.Context, string) (bool, error)
	ListEntries(context.Context, string) ([]store.Entry, error)
	ListEntryRiskFactors(context.Context, string) ([]store.EntryRiskFactors, error)

	CountAnalyses(context.Context) (int, error)
	InsertProject(ctx context.Context, id, name string) error
	UpsertProjectMember(ctx context.Context, projectID, userID, role string) error
	InsertAnalysis(context.Context, store.Analysis) error
	InsertDocumentNode(ctx context.Context, id, documentID, name string) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexEntry(e search.EntryRecord)
	DeleteEntry(id string)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	hub    *live.Hub
	search searchService
}

// New wires the service. search may be nil when no search backend is
// configured; searches then return empty results.
func New(cfg config.Config, dataStore *store.PostgresStore, hub *live.Hub, searchSvc *search.Service) *Service {
	s := &Service{
		cfg:   cfg,
		store: dataStore,
		hub:   hub,
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken verifies the bearer token and upserts the denormalized
// identity so rosters can show names without a second lookup.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.EnsureUser(ctx, store.User{
		ID:          claims.Sub,
		DisplayName: claims.Name,
		Email:       claims.Email,
	}); err != nil {
		return Session{}, err
	}
	return Session{
		UserID:    claims.Sub,
		UserName:  claims.Name,
		UserEmail: claims.Email,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// requireAccess resolves the caller's role in the project and checks the
// action against it. Non-members are rejected outright.
func (s *Service) requireAccess(ctx context.Context, caller Session, projectID string, action access.Action) (access.Role, error) {
	role, err := s.store.GetProjectRole(ctx, caller.UserID, projectID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this project", nil)
	}
	normalized := access.Normalize(role)
	if !access.Can(normalized, action) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return normalized, nil
}

// Bootstrap seeds a demo project, analysis and document nodes when the
// database is empty so a fresh checkout has something to collaborate on.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountAnalyses(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if err := s.store.EnsureUser(ctx, store.User{
		ID:          "user-demo-lead",
		DisplayName: "Priya N.",
		Email:       "priya@example.com",
	}); err != nil {
		return err
	}
	if err := s.store.InsertProject(ctx, "proj-demo", "Ammonia Unit Revamp"); err != nil {
		return err
	}
	if err := s.store.UpsertProjectMember(ctx, "proj-demo", "user-demo-lead", string(access.RoleLead)); err != nil {
		return err
	}
	if err := s.store.InsertAnalysis(ctx, store.Analysis{
		ID:         "hazop-demo",
		ProjectID:  "proj-demo",
		DocumentID: "pid-demo",
		Title:      "HAZOP: Ammonia Synthesis Loop",
		Status:     store.AnalysisDraft,
	}); err != nil {
		return err
	}

	nodes := []struct {
		ID   string
		Name string
	}{
		{ID: "node-compressor", Name: "Syngas Compressor K-401"},
		{ID: "node-converter", Name: "Ammonia Converter R-402"},
		{ID: "node-separator", Name: "Product Separator V-403"},
	}
	for _, node := range nodes {
		if err := s.store.InsertDocumentNode(ctx, node.ID, "pid-demo", node.Name); err != nil {
			return err
		}
	}

	entry := store.Entry{
		ID:           util.NewID("entry"),
		AnalysisID:   "hazop-demo",
		NodeID:       "node-compressor",
		GuideWord:    "MORE",
		Parameter:    "pressure",
		Deviation:    "Discharge pressure above design envelope",
		Causes:       []string{"Recycle valve fails closed"},
		Consequences: []string{"Relief valve lift, flaring event"},
		Safeguards:   []string{"High pressure trip PSH-401"},
		Notes:        "Trip setpoint review pending from the controls group.",
		UpdatedBy:    "user-demo-lead",
	}
	return s.store.InsertEntry(ctx, entry)
}
