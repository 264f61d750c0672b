package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"hazsync/api/internal/access"
	"hazsync/api/internal/live"
	"hazsync/api/internal/risk"
	"hazsync/api/internal/search"
	"hazsync/api/internal/store"
	"hazsync/api/internal/util"
)

type CreateEntryInput struct {
	NodeID          string   `json:"nodeId"`
	GuideWord       string   `json:"guideWord"`
	Parameter       string   `json:"parameter"`
	Deviation       string   `json:"deviation"`
	Causes          []string `json:"causes"`
	Consequences    []string `json:"consequences"`
	Safeguards      []string `json:"safeguards"`
	Recommendations []string `json:"recommendations"`
	Notes           string   `json:"notes"`
}

// UpdateEntryInput is a field patch; nil pointers leave the stored value
// untouched.
type UpdateEntryInput struct {
	BaseVersion     int       `json:"baseVersion"`
	GuideWord       *string   `json:"guideWord"`
	Parameter       *string   `json:"parameter"`
	Deviation       *string   `json:"deviation"`
	Causes          *[]string `json:"causes"`
	Consequences    *[]string `json:"consequences"`
	Safeguards      *[]string `json:"safeguards"`
	Recommendations *[]string `json:"recommendations"`
	Notes           *string   `json:"notes"`
}

// RiskSummary is derived from the current entry rows, never stored.
type RiskSummary struct {
	Total             int       `json:"total"`
	High              int       `json:"high"`
	Medium            int       `json:"medium"`
	Low               int       `json:"low"`
	Unassessed        int       `json:"unassessed"`
	AnalyzedNodeCount int       `json:"analyzedNodeCount"`
	ComputedAt        time.Time `json:"computedAt"`
}

// CreateEntry records a new hazop row at version 1.
func (s *Service) CreateEntry(ctx context.Context, analysisID string, caller Session, input CreateEntryInput) (map[string]any, error) {
	analysis, err := s.editableAnalysis(ctx, analysisID, caller)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(input.NodeID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "nodeId is required", nil)
	}
	if strings.TrimSpace(input.GuideWord) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "guideWord is required", nil)
	}
	if strings.TrimSpace(input.Deviation) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "deviation is required", nil)
	}

	inDoc, err := s.store.NodeInDocument(ctx, input.NodeID, analysis.DocumentID)
	if err != nil {
		return nil, err
	}
	if !inDoc {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Node not found in the analysis document", nil)
	}

	entry := store.Entry{
		ID:              util.NewID("entry"),
		AnalysisID:      analysisID,
		NodeID:          input.NodeID,
		GuideWord:       input.GuideWord,
		Parameter:       input.Parameter,
		Deviation:       input.Deviation,
		Causes:          input.Causes,
		Consequences:    input.Consequences,
		Safeguards:      input.Safeguards,
		Recommendations: input.Recommendations,
		Notes:           input.Notes,
		UpdatedBy:       caller.UserID,
	}
	if err := s.store.InsertEntry(ctx, entry); err != nil {
		return nil, err
	}
	created, err := s.store.GetEntry(ctx, entry.ID)
	if err != nil {
		return nil, err
	}

	s.broadcastEntry(ctx, created, live.EventEntryCreated, caller.UserID)
	s.indexEntry(created)
	return map[string]any{"entry": entryPayload(created)}, nil
}

// UpdateEntry applies the patch when the caller's baseVersion still matches.
// A mismatch returns 409 VERSION_CONFLICT carrying the current server entry so
// the client can reconcile.
func (s *Service) UpdateEntry(ctx context.Context, entryID string, caller Session, input UpdateEntryInput) (map[string]any, error) {
	if input.BaseVersion < 1 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "baseVersion must be a positive integer", nil)
	}

	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if _, err := s.editableAnalysis(ctx, current.AnalysisID, caller); err != nil {
		return nil, err
	}

	patched := current
	if input.GuideWord != nil {
		patched.GuideWord = *input.GuideWord
	}
	if input.Parameter != nil {
		patched.Parameter = *input.Parameter
	}
	if input.Deviation != nil {
		patched.Deviation = *input.Deviation
	}
	if input.Causes != nil {
		patched.Causes = *input.Causes
	}
	if input.Consequences != nil {
		patched.Consequences = *input.Consequences
	}
	if input.Safeguards != nil {
		patched.Safeguards = *input.Safeguards
	}
	if input.Recommendations != nil {
		patched.Recommendations = *input.Recommendations
	}
	if input.Notes != nil {
		patched.Notes = *input.Notes
	}
	if strings.TrimSpace(patched.GuideWord) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "guideWord cannot be blank", nil)
	}
	if strings.TrimSpace(patched.Deviation) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "deviation cannot be blank", nil)
	}
	patched.UpdatedBy = caller.UserID

	updated, won, err := s.store.UpdateEntryIfVersion(ctx, patched, input.BaseVersion)
	if err != nil {
		return nil, err
	}
	if !won {
		// Someone committed between the caller's read and this write; hand
		// back their row for reconciliation.
		server, err := s.store.GetEntry(ctx, entryID)
		if err != nil {
			return nil, err
		}
		return nil, domainError(http.StatusConflict, "VERSION_CONFLICT", "Entry was modified by another participant", map[string]any{
			"currentVersion": server.Version,
			"entry":          entryPayload(server),
		})
	}

	s.broadcastEntry(ctx, updated, live.EventEntryUpdated, caller.UserID)
	s.indexEntry(updated)
	return map[string]any{"entry": entryPayload(updated)}, nil
}

func (s *Service) DeleteEntry(ctx context.Context, entryID string, caller Session) (map[string]any, error) {
	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if _, err := s.editableAnalysis(ctx, current.AnalysisID, caller); err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Entry not found", nil)
	}

	s.broadcastEntry(ctx, current, live.EventEntryDeleted, caller.UserID)
	if s.search != nil {
		s.search.DeleteEntry(entryID)
	}
	return map[string]any{"ok": true}, nil
}

// UpdateEntryRisk assesses the entry. The write is atomic with a version bump
// so concurrent field edits still surface the conflict, while two assessors
// racing each other resolve last-write-wins.
func (s *Service) UpdateEntryRisk(ctx context.Context, entryID string, caller Session, severity, likelihood int) (map[string]any, error) {
	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if _, err := s.editableAnalysis(ctx, current.AnalysisID, caller); err != nil {
		return nil, err
	}
	if err := risk.ValidateFactors(severity, likelihood); err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	rank := risk.CalculateRanking(severity, likelihood)
	updated, found, err := s.store.UpdateEntryRisk(ctx, entryID, &severity, &likelihood, string(rank), caller.UserID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Entry not found", nil)
	}

	return s.finishRiskMutation(ctx, updated, caller)
}

// ClearEntryRisk removes the assessment, returning the entry to unassessed.
func (s *Service) ClearEntryRisk(ctx context.Context, entryID string, caller Session) (map[string]any, error) {
	current, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if _, err := s.editableAnalysis(ctx, current.AnalysisID, caller); err != nil {
		return nil, err
	}

	updated, found, err := s.store.UpdateEntryRisk(ctx, entryID, nil, nil, "", caller.UserID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Entry not found", nil)
	}

	return s.finishRiskMutation(ctx, updated, caller)
}

func (s *Service) finishRiskMutation(ctx context.Context, entry store.Entry, caller Session) (map[string]any, error) {
	summary, err := s.Recompute(ctx, entry.AnalysisID)
	if err != nil {
		return nil, err
	}

	s.broadcastEntry(ctx, entry, live.EventEntryRiskChanged, caller.UserID)
	s.broadcastSummary(ctx, entry.AnalysisID, summary)
	s.indexEntry(entry)
	return map[string]any{"entry": entryPayload(entry), "summary": summary}, nil
}

// ListEntries returns all entries of the analysis in stable node order.
func (s *Service) ListEntries(ctx context.Context, analysisID string, caller Session) (map[string]any, error) {
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntries(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	payloads := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, entryPayload(e))
	}
	return map[string]any{"entries": payloads}, nil
}

// RiskSummaryFor recomputes the aggregate on demand for detail views.
func (s *Service) RiskSummaryFor(ctx context.Context, analysisID string, caller Session) (map[string]any, error) {
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return nil, err
	}

	summary, err := s.Recompute(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": summary}, nil
}

// Recompute derives the risk aggregate from the current rows.
func (s *Service) Recompute(ctx context.Context, analysisID string) (RiskSummary, error) {
	factors, err := s.store.ListEntryRiskFactors(ctx, analysisID)
	if err != nil {
		return RiskSummary{}, err
	}

	summary := RiskSummary{Total: len(factors), ComputedAt: time.Now().UTC()}
	nodes := make(map[string]bool)
	for _, f := range factors {
		nodes[f.NodeID] = true
		if f.Severity == nil || f.Likelihood == nil {
			summary.Unassessed++
			continue
		}
		switch risk.CalculateRanking(*f.Severity, *f.Likelihood) {
		case risk.RankHigh:
			summary.High++
		case risk.RankMedium:
			summary.Medium++
		default:
			summary.Low++
		}
	}
	summary.AnalyzedNodeCount = len(nodes)
	return summary, nil
}

// Search runs full-text search over the entries of one analysis.
func (s *Service) Search(ctx context.Context, caller Session, text, analysisID string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(analysisID) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "analysisId is required", nil)
	}
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return search.Response{}, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return search.Response{}, err
	}

	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:             text,
		FilterAnalysisID: analysisID,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

// editableAnalysis gates entry mutations: caller needs edit access and the
// analysis must still be a draft.
func (s *Service) editableAnalysis(ctx context.Context, analysisID string, caller Session) (store.Analysis, error) {
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return store.Analysis{}, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionEdit); err != nil {
		return store.Analysis{}, err
	}
	if analysis.Status != store.AnalysisDraft {
		return store.Analysis{}, domainError(http.StatusConflict, "ANALYSIS_NOT_EDITABLE",
			"Analysis is "+analysis.Status+" and cannot be edited", nil)
	}
	return analysis, nil
}

// broadcastEntry publishes the mutation on the analysis' live session, when
// one exists. Mutations arrive over plain HTTP, so there is no originating
// socket to exclude; every connection gets the event.
func (s *Service) broadcastEntry(ctx context.Context, entry store.Entry, eventType, actor string) {
	session, err := s.store.GetActiveSessionByAnalysis(ctx, entry.AnalysisID)
	if err != nil {
		log.Printf("entries: lookup session for broadcast: %v", err)
		return
	}
	if session == nil {
		return
	}

	ev := live.Event{
		Type:       eventType,
		AnalysisID: entry.AnalysisID,
		Actor:      actor,
		EntryID:    entry.ID,
		Version:    entry.Version,
	}
	if eventType != live.EventEntryDeleted {
		payload, err := json.Marshal(entryPayload(entry))
		if err != nil {
			log.Printf("entries: encode entry event: %v", err)
			return
		}
		ev.Entry = payload
	}
	s.hub.Broadcast(session.ID, ev)
}

func (s *Service) broadcastSummary(ctx context.Context, analysisID string, summary RiskSummary) {
	session, err := s.store.GetActiveSessionByAnalysis(ctx, analysisID)
	if err != nil || session == nil {
		return
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		log.Printf("entries: encode summary event: %v", err)
		return
	}
	s.hub.Broadcast(session.ID, live.Event{
		Type:       live.EventRiskSummary,
		AnalysisID: analysisID,
		Summary:    payload,
	})
}

func (s *Service) indexEntry(entry store.Entry) {
	if s.search == nil {
		return
	}
	s.search.IndexEntry(search.EntryRecord{
		ID:              entry.ID,
		AnalysisID:      entry.AnalysisID,
		NodeID:          entry.NodeID,
		GuideWord:       entry.GuideWord,
		Parameter:       entry.Parameter,
		Deviation:       entry.Deviation,
		Causes:          entry.Causes,
		Consequences:    entry.Consequences,
		Safeguards:      entry.Safeguards,
		Recommendations: entry.Recommendations,
		Notes:           entry.Notes,
		RiskRank:        entry.RiskRank,
	})
}

func entryPayload(e store.Entry) map[string]any {
	return map[string]any{
		"id":              e.ID,
		"analysisId":      e.AnalysisID,
		"nodeId":          e.NodeID,
		"guideWord":       e.GuideWord,
		"parameter":       e.Parameter,
		"deviation":       e.Deviation,
		"causes":          e.Causes,
		"consequences":    e.Consequences,
		"safeguards":      e.Safeguards,
		"recommendations": e.Recommendations,
		"notes":           e.Notes,
		"version":         e.Version,
		"severity":        e.Severity,
		"likelihood":      e.Likelihood,
		"riskRank":        nullableRank(e.RiskRank),
		"updatedAt":       e.UpdatedAt,
		"updatedBy":       e.UpdatedBy,
	}
}

func nullableRank(rank string) any {
	if rank == "" {
		return nil
	}
	return rank
}
