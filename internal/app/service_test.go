package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"hazsync/api/internal/config"
	"hazsync/api/internal/live"
	"hazsync/api/internal/store"
)

type fakeStore struct {
	getProjectRoleFn             func(context.Context, string, string) (string, error)
	getAnalysisFn                func(context.Context, string) (store.Analysis, error)
	nodeInDocumentFn             func(context.Context, string, string) (bool, error)
	getActiveSessionByAnalysisFn func(context.Context, string) (*store.CollabSession, error)
	insertSessionFn              func(context.Context, store.CollabSession) error
	getSessionFn                 func(context.Context, string) (store.CollabSession, error)
	updateSessionStatusFn        func(context.Context, string, string) (bool, error)
	upsertParticipantFn          func(context.Context, store.Participant) (store.Participant, error)
	markParticipantLeftFn        func(context.Context, string, string) (bool, error)
	touchParticipantFn           func(context.Context, string, string, json.RawMessage) (bool, error)
	listActiveParticipantsFn     func(context.Context, string) ([]store.Participant, error)
	countActiveParticipantsFn    func(context.Context, string) (int, error)
	evictIdleParticipantsFn      func(context.Context, time.Time) ([]store.Participant, error)
	insertEntryFn                func(context.Context, store.Entry) error
	getEntryFn                   func(context.Context, string) (store.Entry, error)
	updateEntryIfVersionFn       func(context.Context, store.Entry, int) (store.Entry, bool, error)
	updateEntryRiskFn            func(context.Context, string, *int, *int, string, string) (store.Entry, bool, error)
	deleteEntryFn                func(context.Context, string) (bool, error)
	listEntriesFn                func(context.Context, string) ([]store.Entry, error)
	listEntryRiskFactorsFn       func(context.Context, string) ([]store.EntryRiskFactors, error)
}

func (f *fakeStore) Ping(context.Context) error                    { return nil }
func (f *fakeStore) EnsureUser(context.Context, store.User) error  { return nil }
func (f *fakeStore) CountAnalyses(context.Context) (int, error)    { return 1, nil }
func (f *fakeStore) InsertProject(context.Context, string, string) error {
	return nil
}
func (f *fakeStore) UpsertProjectMember(context.Context, string, string, string) error {
	return nil
}
func (f *fakeStore) InsertAnalysis(context.Context, store.Analysis) error { return nil }
func (f *fakeStore) InsertDocumentNode(context.Context, string, string, string) error {
	return nil
}

func (f *fakeStore) GetProjectRole(ctx context.Context, userID, projectID string) (string, error) {
	if f.getProjectRoleFn != nil {
		return f.getProjectRoleFn(ctx, userID, projectID)
	}
	return "lead", nil
}
func (f *fakeStore) GetAnalysis(ctx context.Context, analysisID string) (store.Analysis, error) {
	if f.getAnalysisFn != nil {
		return f.getAnalysisFn(ctx, analysisID)
	}
	return store.Analysis{
		ID:         analysisID,
		ProjectID:  "proj-1",
		DocumentID: "doc-1",
		Title:      "HAZOP: Feed Section",
		Status:     store.AnalysisDraft,
	}, nil
}
func (f *fakeStore) NodeInDocument(ctx context.Context, nodeID, documentID string) (bool, error) {
	if f.nodeInDocumentFn != nil {
		return f.nodeInDocumentFn(ctx, nodeID, documentID)
	}
	return true, nil
}
func (f *fakeStore) GetActiveSessionByAnalysis(ctx context.Context, analysisID string) (*store.CollabSession, error) {
	if f.getActiveSessionByAnalysisFn != nil {
		return f.getActiveSessionByAnalysisFn(ctx, analysisID)
	}
	return nil, nil
}
func (f *fakeStore) InsertSession(ctx context.Context, item store.CollabSession) error {
	if f.insertSessionFn != nil {
		return f.insertSessionFn(ctx, item)
	}
	return nil
}
func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (store.CollabSession, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, sessionID)
	}
	return store.CollabSession{
		ID:         sessionID,
		AnalysisID: "an-1",
		Status:     store.SessionActive,
	}, nil
}
func (f *fakeStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) (bool, error) {
	if f.updateSessionStatusFn != nil {
		return f.updateSessionStatusFn(ctx, sessionID, status)
	}
	return true, nil
}
func (f *fakeStore) UpsertParticipant(ctx context.Context, p store.Participant) (store.Participant, error) {
	if f.upsertParticipantFn != nil {
		return f.upsertParticipantFn(ctx, p)
	}
	p.IsActive = true
	return p, nil
}
func (f *fakeStore) MarkParticipantLeft(ctx context.Context, sessionID, userID string) (bool, error) {
	if f.markParticipantLeftFn != nil {
		return f.markParticipantLeftFn(ctx, sessionID, userID)
	}
	return true, nil
}
func (f *fakeStore) TouchParticipant(ctx context.Context, sessionID, userID string, cursor json.RawMessage) (bool, error) {
	if f.touchParticipantFn != nil {
		return f.touchParticipantFn(ctx, sessionID, userID, cursor)
	}
	return true, nil
}
func (f *fakeStore) ListActiveParticipants(ctx context.Context, sessionID string) ([]store.Participant, error) {
	if f.listActiveParticipantsFn != nil {
		return f.listActiveParticipantsFn(ctx, sessionID)
	}
	return []store.Participant{}, nil
}
func (f *fakeStore) CountActiveParticipants(ctx context.Context, sessionID string) (int, error) {
	if f.countActiveParticipantsFn != nil {
		return f.countActiveParticipantsFn(ctx, sessionID)
	}
	return 0, nil
}
func (f *fakeStore) EvictIdleParticipants(ctx context.Context, cutoff time.Time) ([]store.Participant, error) {
	if f.evictIdleParticipantsFn != nil {
		return f.evictIdleParticipantsFn(ctx, cutoff)
	}
	return nil, nil
}
func (f *fakeStore) InsertEntry(ctx context.Context, e store.Entry) error {
	if f.insertEntryFn != nil {
		return f.insertEntryFn(ctx, e)
	}
	return nil
}
func (f *fakeStore) GetEntry(ctx context.Context, entryID string) (store.Entry, error) {
	if f.getEntryFn != nil {
		return f.getEntryFn(ctx, entryID)
	}
	return store.Entry{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateEntryIfVersion(ctx context.Context, e store.Entry, baseVersion int) (store.Entry, bool, error) {
	if f.updateEntryIfVersionFn != nil {
		return f.updateEntryIfVersionFn(ctx, e, baseVersion)
	}
	e.Version = baseVersion + 1
	return e, true, nil
}
func (f *fakeStore) UpdateEntryRisk(ctx context.Context, entryID string, severity, likelihood *int, riskRank, updatedBy string) (store.Entry, bool, error) {
	if f.updateEntryRiskFn != nil {
		return f.updateEntryRiskFn(ctx, entryID, severity, likelihood, riskRank, updatedBy)
	}
	return store.Entry{ID: entryID}, true, nil
}
func (f *fakeStore) DeleteEntry(ctx context.Context, entryID string) (bool, error) {
	if f.deleteEntryFn != nil {
		return f.deleteEntryFn(ctx, entryID)
	}
	return true, nil
}
func (f *fakeStore) ListEntries(ctx context.Context, analysisID string) ([]store.Entry, error) {
	if f.listEntriesFn != nil {
		return f.listEntriesFn(ctx, analysisID)
	}
	return []store.Entry{}, nil
}
func (f *fakeStore) ListEntryRiskFactors(ctx context.Context, analysisID string) ([]store.EntryRiskFactors, error) {
	if f.listEntryRiskFactorsFn != nil {
		return f.listEntryRiskFactorsFn(ctx, analysisID)
	}
	return nil, nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:   config.Config{JWTSecret: "test-secret", IdleTimeout: 5 * time.Minute},
		store: fs,
		hub:   live.NewHub(),
	}
}

func testCaller() Session {
	return Session{UserID: "user-1", UserName: "Priya N.", UserEmail: "priya@example.com"}
}

func domainErrFrom(t *testing.T, err error) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr
}

func TestGetOrCreateActiveSessionReusesLiveSession(t *testing.T) {
	inserted := false
	fs := &fakeStore{
		getActiveSessionByAnalysisFn: func(_ context.Context, analysisID string) (*store.CollabSession, error) {
			return &store.CollabSession{ID: "sess-1", AnalysisID: analysisID, Status: store.SessionActive}, nil
		},
		insertSessionFn: func(context.Context, store.CollabSession) error {
			inserted = true
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetOrCreateActiveSession(context.Background(), "an-1", testCaller())
	if err != nil {
		t.Fatalf("GetOrCreateActiveSession() error = %v", err)
	}
	if payload["created"] != false {
		t.Fatalf("expected created=false, got %v", payload["created"])
	}
	if inserted {
		t.Fatal("expected no insert when a live session exists")
	}
}

func TestGetOrCreateActiveSessionLosingRaceAdoptsWinner(t *testing.T) {
	calls := 0
	fs := &fakeStore{
		getActiveSessionByAnalysisFn: func(_ context.Context, analysisID string) (*store.CollabSession, error) {
			calls++
			if calls == 1 {
				return nil, nil
			}
			return &store.CollabSession{ID: "sess-winner", AnalysisID: analysisID, Status: store.SessionActive}, nil
		},
		insertSessionFn: func(context.Context, store.CollabSession) error {
			return errors.New("duplicate key value violates unique constraint")
		},
	}
	svc := newTestService(fs)

	payload, err := svc.GetOrCreateActiveSession(context.Background(), "an-1", testCaller())
	if err != nil {
		t.Fatalf("GetOrCreateActiveSession() error = %v", err)
	}
	session := payload["session"].(map[string]any)
	if session["id"] != "sess-winner" {
		t.Fatalf("expected the racing winner's session, got %v", session["id"])
	}
}

func TestTransitionSessionRejectsEndedAsTerminal(t *testing.T) {
	fs := &fakeStore{
		getSessionFn: func(_ context.Context, sessionID string) (store.CollabSession, error) {
			return store.CollabSession{ID: sessionID, AnalysisID: "an-1", Status: store.SessionEnded}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.TransitionSession(context.Background(), "sess-1", store.SessionActive, testCaller())
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", domainErr.Code)
	}
	if domainErr.Status != 409 {
		t.Fatalf("expected 409, got %d", domainErr.Status)
	}
}

func TestTransitionSessionRequiresManageRole(t *testing.T) {
	fs := &fakeStore{
		getProjectRoleFn: func(context.Context, string, string) (string, error) {
			return "analyst", nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.TransitionSession(context.Background(), "sess-1", store.SessionPaused, testCaller())
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestJoinDistinguishesEndedFromPaused(t *testing.T) {
	for _, tc := range []struct {
		status  string
		message string
	}{
		{status: store.SessionEnded, message: "ended"},
		{status: store.SessionPaused, message: "paused"},
	} {
		fs := &fakeStore{
			getSessionFn: func(_ context.Context, sessionID string) (store.CollabSession, error) {
				return store.CollabSession{ID: sessionID, AnalysisID: "an-1", Status: tc.status}, nil
			},
		}
		svc := newTestService(fs)

		_, err := svc.Join(context.Background(), "sess-1", testCaller())
		domainErr := domainErrFrom(t, err)
		if domainErr.Code != "CONFLICT" {
			t.Fatalf("status %s: expected CONFLICT, got %s", tc.status, domainErr.Code)
		}
		if !strings.Contains(strings.ToLower(domainErr.Message), tc.message) {
			t.Fatalf("status %s: message %q should mention %q", tc.status, domainErr.Message, tc.message)
		}
	}
}

func TestJoinBroadcastsToSessionWatchers(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs)
	conn := svc.hub.Register("sess-1", "watcher")
	defer svc.hub.Unregister(conn)

	if _, err := svc.Join(context.Background(), "sess-1", testCaller()); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	select {
	case ev := <-conn.Events():
		if ev.Type != live.EventParticipantJoin {
			t.Fatalf("expected %s, got %s", live.EventParticipantJoin, ev.Type)
		}
		if ev.Seq != 1 {
			t.Fatalf("expected first sequence, got %d", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	fs := &fakeStore{
		markParticipantLeftFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)
	conn := svc.hub.Register("sess-1", "watcher")
	defer svc.hub.Unregister(conn)

	payload, err := svc.Leave(context.Background(), "sess-1", testCaller())
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	select {
	case ev := <-conn.Events():
		t.Fatalf("expected no event for a repeated leave, got %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLeaveAppliesEmptySessionPolicy(t *testing.T) {
	var transitionedTo string
	fs := &fakeStore{
		countActiveParticipantsFn: func(context.Context, string) (int, error) {
			return 0, nil
		},
		updateSessionStatusFn: func(_ context.Context, _ string, status string) (bool, error) {
			transitionedTo = status
			return true, nil
		},
	}
	svc := newTestService(fs)
	svc.cfg.EmptySessionPolicy = config.EmptyPolicyEnd

	if _, err := svc.Leave(context.Background(), "sess-1", testCaller()); err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if transitionedTo != store.SessionEnded {
		t.Fatalf("expected session to end when roster drains, got %q", transitionedTo)
	}
}

func TestHeartbeatRequiresActiveParticipant(t *testing.T) {
	fs := &fakeStore{
		touchParticipantFn: func(context.Context, string, string, json.RawMessage) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Heartbeat(context.Background(), "sess-1", testCaller(), nil)
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", domainErr.Code)
	}
}

func TestEvictIdleReportsCountAndAppliesPolicy(t *testing.T) {
	var transitionedTo string
	fs := &fakeStore{
		evictIdleParticipantsFn: func(context.Context, time.Time) ([]store.Participant, error) {
			return []store.Participant{
				{SessionID: "sess-1", UserID: "user-a"},
				{SessionID: "sess-1", UserID: "user-b"},
			}, nil
		},
		countActiveParticipantsFn: func(context.Context, string) (int, error) {
			return 0, nil
		},
		updateSessionStatusFn: func(_ context.Context, _ string, status string) (bool, error) {
			transitionedTo = status
			return true, nil
		},
	}
	svc := newTestService(fs)
	svc.cfg.EmptySessionPolicy = config.EmptyPolicyPause

	evicted, err := svc.EvictIdle(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("EvictIdle() error = %v", err)
	}
	if evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if transitionedTo != store.SessionPaused {
		t.Fatalf("expected drained session to pause, got %q", transitionedTo)
	}
}

func TestEvictIdleBroadcastsLeaveWithAnalysisID(t *testing.T) {
	fs := &fakeStore{
		evictIdleParticipantsFn: func(context.Context, time.Time) ([]store.Participant, error) {
			return []store.Participant{{SessionID: "sess-1", UserID: "user-idle"}}, nil
		},
	}
	svc := newTestService(fs)
	conn := svc.hub.Register("sess-1", "watcher")
	defer svc.hub.Unregister(conn)

	if _, err := svc.EvictIdle(context.Background(), time.Now()); err != nil {
		t.Fatalf("EvictIdle() error = %v", err)
	}

	select {
	case ev := <-conn.Events():
		if ev.Type != live.EventParticipantLeft {
			t.Fatalf("expected %s, got %s", live.EventParticipantLeft, ev.Type)
		}
		if ev.AnalysisID != "an-1" {
			t.Fatalf("expected the session's analysis on the eviction event, got %q", ev.AnalysisID)
		}
		if ev.Actor != "user-idle" {
			t.Fatalf("expected evicted user as actor, got %q", ev.Actor)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCreateEntryRejectsNodeOutsideDocument(t *testing.T) {
	fs := &fakeStore{
		nodeInDocumentFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateEntry(context.Background(), "an-1", testCaller(), CreateEntryInput{
		NodeID:    "node-elsewhere",
		GuideWord: "MORE",
		Deviation: "High pressure",
	})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", domainErr.Code)
	}
	if domainErr.Status != 404 {
		t.Fatalf("expected 404, got %d", domainErr.Status)
	}
}

func TestCreateEntryRequiresDraftAnalysis(t *testing.T) {
	fs := &fakeStore{
		getAnalysisFn: func(_ context.Context, analysisID string) (store.Analysis, error) {
			return store.Analysis{ID: analysisID, ProjectID: "proj-1", DocumentID: "doc-1", Status: store.AnalysisApproved}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreateEntry(context.Background(), "an-1", testCaller(), CreateEntryInput{
		NodeID:    "node-1",
		GuideWord: "MORE",
		Deviation: "High pressure",
	})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "ANALYSIS_NOT_EDITABLE" {
		t.Fatalf("expected ANALYSIS_NOT_EDITABLE, got %s", domainErr.Code)
	}
}

func TestUpdateEntryVersionConflictCarriesCurrentEntry(t *testing.T) {
	serverEntry := store.Entry{
		ID:         "entry-1",
		AnalysisID: "an-1",
		NodeID:     "node-1",
		GuideWord:  "MORE",
		Deviation:  "Someone else's edit",
		Version:    4,
	}
	fs := &fakeStore{
		getEntryFn: func(context.Context, string) (store.Entry, error) {
			return serverEntry, nil
		},
		updateEntryIfVersionFn: func(context.Context, store.Entry, int) (store.Entry, bool, error) {
			return store.Entry{}, false, nil
		},
	}
	svc := newTestService(fs)

	notes := "my edit"
	_, err := svc.UpdateEntry(context.Background(), "entry-1", testCaller(), UpdateEntryInput{
		BaseVersion: 3,
		Notes:       &notes,
	})
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "VERSION_CONFLICT" {
		t.Fatalf("expected VERSION_CONFLICT, got %s", domainErr.Code)
	}
	details := domainErr.Details.(map[string]any)
	if details["currentVersion"] != 4 {
		t.Fatalf("expected current version 4 in details, got %v", details["currentVersion"])
	}
	entry := details["entry"].(map[string]any)
	if entry["deviation"] != "Someone else's edit" {
		t.Fatalf("expected the server entry in details, got %v", entry["deviation"])
	}
}

func TestUpdateEntryPatchesOnlyProvidedFields(t *testing.T) {
	var written store.Entry
	fs := &fakeStore{
		getEntryFn: func(context.Context, string) (store.Entry, error) {
			return store.Entry{
				ID:         "entry-1",
				AnalysisID: "an-1",
				GuideWord:  "MORE",
				Parameter:  "pressure",
				Deviation:  "High discharge pressure",
				Causes:     []string{"valve fails closed"},
				Version:    2,
			}, nil
		},
		updateEntryIfVersionFn: func(_ context.Context, e store.Entry, baseVersion int) (store.Entry, bool, error) {
			written = e
			e.Version = baseVersion + 1
			return e, true, nil
		},
	}
	svc := newTestService(fs)

	notes := "flagged for relief study"
	payload, err := svc.UpdateEntry(context.Background(), "entry-1", testCaller(), UpdateEntryInput{
		BaseVersion: 2,
		Notes:       &notes,
	})
	if err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	if written.GuideWord != "MORE" || written.Parameter != "pressure" {
		t.Fatalf("unpatched fields must be preserved, got %+v", written)
	}
	if written.Notes != notes {
		t.Fatalf("expected patched notes, got %q", written.Notes)
	}
	entry := payload["entry"].(map[string]any)
	if entry["version"] != 3 {
		t.Fatalf("expected version 3, got %v", entry["version"])
	}
}

func TestUpdateEntryRiskValidatesFactors(t *testing.T) {
	fs := &fakeStore{
		getEntryFn: func(context.Context, string) (store.Entry, error) {
			return store.Entry{ID: "entry-1", AnalysisID: "an-1", Version: 1}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateEntryRisk(context.Background(), "entry-1", testCaller(), 6, 3)
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", domainErr.Code)
	}
}

func TestUpdateEntryRiskStoresComputedRank(t *testing.T) {
	var storedRank string
	fs := &fakeStore{
		getEntryFn: func(context.Context, string) (store.Entry, error) {
			return store.Entry{ID: "entry-1", AnalysisID: "an-1", Version: 1}, nil
		},
		updateEntryRiskFn: func(_ context.Context, entryID string, severity, likelihood *int, riskRank, _ string) (store.Entry, bool, error) {
			storedRank = riskRank
			return store.Entry{
				ID:         entryID,
				AnalysisID: "an-1",
				Severity:   severity,
				Likelihood: likelihood,
				RiskRank:   riskRank,
				Version:    2,
			}, true, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.UpdateEntryRisk(context.Background(), "entry-1", testCaller(), 5, 4)
	if err != nil {
		t.Fatalf("UpdateEntryRisk() error = %v", err)
	}
	if storedRank != "high" {
		t.Fatalf("expected rank high for 5x4, got %q", storedRank)
	}
	if _, ok := payload["summary"].(RiskSummary); !ok {
		t.Fatalf("expected a fresh summary alongside the entry, got %T", payload["summary"])
	}
}

func TestRecomputeBucketsEntries(t *testing.T) {
	factor := func(severity, likelihood int) store.EntryRiskFactors {
		return store.EntryRiskFactors{NodeID: "node-1", Severity: &severity, Likelihood: &likelihood}
	}
	fs := &fakeStore{
		listEntryRiskFactorsFn: func(context.Context, string) ([]store.EntryRiskFactors, error) {
			return []store.EntryRiskFactors{
				factor(5, 5),
				factor(3, 3),
				factor(1, 1),
				{NodeID: "node-2"},
			}, nil
		},
	}
	svc := newTestService(fs)

	summary, err := svc.Recompute(context.Background(), "an-1")
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if summary.Total != 4 || summary.High != 1 || summary.Medium != 1 || summary.Low != 1 || summary.Unassessed != 1 {
		t.Fatalf("unexpected buckets: %+v", summary)
	}
	if summary.AnalyzedNodeCount != 2 {
		t.Fatalf("expected 2 distinct nodes, got %d", summary.AnalyzedNodeCount)
	}
	if summary.ComputedAt.IsZero() {
		t.Fatal("expected a computedAt timestamp")
	}
}

func TestListEntriesForbidsNonMembers(t *testing.T) {
	fs := &fakeStore{
		getProjectRoleFn: func(context.Context, string, string) (string, error) {
			return "", nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ListEntries(context.Background(), "an-1", testCaller())
	domainErr := domainErrFrom(t, err)
	if domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %s", domainErr.Code)
	}
}

func TestEntryMutationBroadcastsOnActiveSession(t *testing.T) {
	fs := &fakeStore{
		getActiveSessionByAnalysisFn: func(_ context.Context, analysisID string) (*store.CollabSession, error) {
			return &store.CollabSession{ID: "sess-1", AnalysisID: analysisID, Status: store.SessionActive}, nil
		},
		getEntryFn: func(_ context.Context, entryID string) (store.Entry, error) {
			return store.Entry{ID: entryID, AnalysisID: "an-1", NodeID: "node-1", GuideWord: "MORE", Deviation: "x", Version: 1}, nil
		},
	}
	svc := newTestService(fs)
	conn := svc.hub.Register("sess-1", "watcher")
	defer svc.hub.Unregister(conn)

	if _, err := svc.CreateEntry(context.Background(), "an-1", testCaller(), CreateEntryInput{
		NodeID:    "node-1",
		GuideWord: "MORE",
		Deviation: "High pressure",
	}); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	select {
	case ev := <-conn.Events():
		if ev.Type != live.EventEntryCreated {
			t.Fatalf("expected %s, got %s", live.EventEntryCreated, ev.Type)
		}
		if len(ev.Entry) == 0 {
			t.Fatal("expected the entry payload on the event")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
