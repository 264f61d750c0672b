package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"hazsync/api/internal/access"
	"hazsync/api/internal/config"
	"hazsync/api/internal/live"
	"hazsync/api/internal/store"
	"hazsync/api/internal/util"
)

// GetOrCreateActiveSession returns the analysis' live session, creating one
// when none exists. The partial unique index in the store makes concurrent
// creates race safely: the loser re-reads the winner's session.
func (s *Service) GetOrCreateActiveSession(ctx context.Context, analysisID string, caller Session) (map[string]any, error) {
	analysis, err := s.store.GetAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return nil, err
	}

	existing, err := s.store.GetActiveSessionByAnalysis(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return map[string]any{"session": sessionPayload(*existing), "created": false}, nil
	}

	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionEdit); err != nil {
		return nil, err
	}

	session := store.CollabSession{
		ID:         util.NewID("sess"),
		AnalysisID: analysisID,
		Name:       analysis.Title + " working session",
		Status:     store.SessionActive,
		CreatedBy:  caller.UserID,
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		// Lost the creation race: the unique index rejected us, someone
		// else's session is now live.
		winner, readErr := s.store.GetActiveSessionByAnalysis(ctx, analysisID)
		if readErr == nil && winner != nil {
			return map[string]any{"session": sessionPayload(*winner), "created": false}, nil
		}
		return nil, err
	}

	created, err := s.store.GetSession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sessionPayload(created), "created": true}, nil
}

// SessionByID returns the session with its active roster.
func (s *Service) SessionByID(ctx context.Context, sessionID string, caller Session) (map[string]any, error) {
	session, analysis, err := s.sessionWithAnalysis(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return nil, err
	}

	roster, err := s.store.ListActiveParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session":      sessionPayload(session),
		"participants": participantPayloads(roster),
	}, nil
}

var legalTransitions = map[string]map[string]bool{
	store.SessionActive: {store.SessionPaused: true, store.SessionEnded: true},
	store.SessionPaused: {store.SessionActive: true, store.SessionEnded: true},
}

// TransitionSession moves the session to target. Ended is terminal; anything
// not in the transition table is rejected with 409 INVALID_TRANSITION.
func (s *Service) TransitionSession(ctx context.Context, sessionID, target string, caller Session) (map[string]any, error) {
	if target != store.SessionActive && target != store.SessionPaused && target != store.SessionEnded {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be one of active, paused, ended", nil)
	}

	session, analysis, err := s.sessionWithAnalysis(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionManage); err != nil {
		return nil, err
	}

	if !legalTransitions[session.Status][target] {
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION",
			"Cannot transition session from "+session.Status+" to "+target, nil)
	}

	changed, err := s.store.UpdateSessionStatus(ctx, sessionID, target)
	if err != nil {
		return nil, err
	}
	if !changed {
		// A racing transition ended the session between our read and write.
		return nil, domainError(http.StatusConflict, "INVALID_TRANSITION", "Session already ended", nil)
	}

	updated, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(sessionID, live.Event{
		Type:       live.EventSessionStatus,
		AnalysisID: session.AnalysisID,
		Actor:      caller.UserID,
		Status:     target,
	})
	return map[string]any{"session": sessionPayload(updated)}, nil
}

// Join adds the caller to the session roster, reactivating their previous row
// on rejoin. Only active sessions accept joins.
func (s *Service) Join(ctx context.Context, sessionID string, caller Session) (map[string]any, error) {
	session, analysis, err := s.sessionWithAnalysis(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return nil, err
	}

	switch session.Status {
	case store.SessionEnded:
		return nil, domainError(http.StatusConflict, "CONFLICT", "Session has ended", nil)
	case store.SessionPaused:
		return nil, domainError(http.StatusConflict, "CONFLICT", "Session is paused", nil)
	}

	participant, err := s.store.UpsertParticipant(ctx, store.Participant{
		ID:        util.NewID("part"),
		SessionID: sessionID,
		UserID:    caller.UserID,
		UserName:  caller.UserName,
		UserEmail: caller.UserEmail,
	})
	if err != nil {
		return nil, err
	}

	roster, err := s.store.ListActiveParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.broadcastParticipant(sessionID, session.AnalysisID, live.EventParticipantJoin, participant)

	return map[string]any{
		"session":      sessionPayload(session),
		"participant":  participantPayload(participant),
		"participants": participantPayloads(roster),
	}, nil
}

// Leave removes the caller from the roster. Idempotent: leaving twice, or
// leaving a session never joined, succeeds without an event.
func (s *Service) Leave(ctx context.Context, sessionID string, caller Session) (map[string]any, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	changed, err := s.store.MarkParticipantLeft(ctx, sessionID, caller.UserID)
	if err != nil {
		return nil, err
	}
	if changed {
		s.broadcastParticipant(sessionID, session.AnalysisID, live.EventParticipantLeft, store.Participant{
			SessionID: sessionID,
			UserID:    caller.UserID,
			UserName:  caller.UserName,
		})
		if err := s.applyEmptySessionPolicy(ctx, session); err != nil {
			log.Printf("sessions: empty policy for %s: %v", sessionID, err)
		}
	}
	return map[string]any{"ok": true}, nil
}

// Heartbeat refreshes the caller's activity clock and optionally their cursor.
func (s *Service) Heartbeat(ctx context.Context, sessionID string, caller Session, cursor json.RawMessage) (map[string]any, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == store.SessionEnded {
		return nil, domainError(http.StatusConflict, "CONFLICT", "Session has ended", nil)
	}

	touched, err := s.store.TouchParticipant(ctx, sessionID, caller.UserID, cursor)
	if err != nil {
		return nil, err
	}
	if !touched {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Not an active participant", nil)
	}
	return map[string]any{"ok": true}, nil
}

// ActiveParticipants returns the roster ordered by first join.
func (s *Service) ActiveParticipants(ctx context.Context, sessionID string, caller Session) (map[string]any, error) {
	_, analysis, err := s.sessionWithAnalysis(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireAccess(ctx, caller, analysis.ProjectID, access.ActionRead); err != nil {
		return nil, err
	}

	roster, err := s.store.ListActiveParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"participants": participantPayloads(roster)}, nil
}

// EvictIdle sweeps out participants whose last activity predates the idle
// timeout. Evictions look exactly like leaves to connected clients. Returns
// the number of evicted participants.
func (s *Service) EvictIdle(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.IdleTimeout)
	evicted, err := s.store.EvictIdleParticipants(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(evicted) == 0 {
		return 0, nil
	}

	bySession := make(map[string][]store.Participant)
	for _, p := range evicted {
		bySession[p.SessionID] = append(bySession[p.SessionID], p)
	}
	for sessionID, participants := range bySession {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			log.Printf("sweep: read session %s: %v", sessionID, err)
			continue
		}
		for _, p := range participants {
			s.broadcastParticipant(sessionID, session.AnalysisID, live.EventParticipantLeft, p)
		}
		if err := s.applyEmptySessionPolicy(ctx, session); err != nil {
			log.Printf("sweep: empty policy for %s: %v", sessionID, err)
		}
	}
	return len(evicted), nil
}

// applyEmptySessionPolicy pauses or ends an active session whose roster just
// drained, per configuration. The default policy leaves the session alone.
func (s *Service) applyEmptySessionPolicy(ctx context.Context, session store.CollabSession) error {
	policy := s.cfg.EmptySessionPolicy
	if policy != config.EmptyPolicyPause && policy != config.EmptyPolicyEnd {
		return nil
	}
	if session.Status != store.SessionActive {
		return nil
	}
	count, err := s.store.CountActiveParticipants(ctx, session.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	target := store.SessionPaused
	if policy == config.EmptyPolicyEnd {
		target = store.SessionEnded
	}
	changed, err := s.store.UpdateSessionStatus(ctx, session.ID, target)
	if err != nil {
		return err
	}
	if changed {
		s.hub.Broadcast(session.ID, live.Event{
			Type:       live.EventSessionStatus,
			AnalysisID: session.AnalysisID,
			Status:     target,
		})
	}
	return nil
}

func (s *Service) sessionWithAnalysis(ctx context.Context, sessionID string) (store.CollabSession, store.Analysis, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.CollabSession{}, store.Analysis{}, err
	}
	analysis, err := s.store.GetAnalysis(ctx, session.AnalysisID)
	if err != nil {
		return store.CollabSession{}, store.Analysis{}, err
	}
	return session, analysis, nil
}

func (s *Service) broadcastParticipant(sessionID, analysisID, eventType string, p store.Participant) {
	payload, err := json.Marshal(participantPayload(p))
	if err != nil {
		log.Printf("sessions: encode participant event: %v", err)
		return
	}
	s.hub.Broadcast(sessionID, live.Event{
		Type:        eventType,
		AnalysisID:  analysisID,
		Actor:       p.UserID,
		Participant: payload,
	})
}

func sessionPayload(session store.CollabSession) map[string]any {
	return map[string]any{
		"id":         session.ID,
		"analysisId": session.AnalysisID,
		"name":       session.Name,
		"status":     session.Status,
		"createdBy":  session.CreatedBy,
		"createdAt":  session.CreatedAt,
		"updatedAt":  session.UpdatedAt,
		"endedAt":    session.EndedAt,
		"notes":      session.Notes,
	}
}

func participantPayload(p store.Participant) map[string]any {
	return map[string]any{
		"id":             p.ID,
		"sessionId":      p.SessionID,
		"userId":         p.UserID,
		"userName":       p.UserName,
		"userEmail":      p.UserEmail,
		"joinedAt":       p.JoinedAt,
		"leftAt":         p.LeftAt,
		"isActive":       p.IsActive,
		"cursorPosition": p.CursorPosition,
		"lastActivityAt": p.LastActivityAt,
	}
}

func participantPayloads(items []store.Participant) []map[string]any {
	payloads := make([]map[string]any, 0, len(items))
	for _, p := range items {
		payloads = append(payloads, participantPayload(p))
	}
	return payloads
}
