package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users / projects ---

func (s *PostgresStore) EnsureUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, email=EXCLUDED.email
	`, user.ID, user.DisplayName, user.Email)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// GetProjectRole returns the caller's role in the project, or "" when the
// caller is not a member.
func (s *PostgresStore) GetProjectRole(ctx context.Context, userID, projectID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read project role: %w", err)
	}
	return role, nil
}

// --- analyses / nodes (external collaborators' state, read mostly) ---

func (s *PostgresStore) GetAnalysis(ctx context.Context, analysisID string) (Analysis, error) {
	var item Analysis
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, document_id, title, status, updated_at
		FROM analyses
		WHERE id=$1
	`, analysisID).Scan(&item.ID, &item.ProjectID, &item.DocumentID, &item.Title, &item.Status, &item.UpdatedAt)
	if err != nil {
		return Analysis{}, err
	}
	return item, nil
}

func (s *PostgresStore) NodeInDocument(ctx context.Context, nodeID, documentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM document_nodes WHERE id=$1 AND document_id=$2)
	`, nodeID, documentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check node: %w", err)
	}
	return exists, nil
}

// --- collaboration sessions ---

// GetActiveSessionByAnalysis returns the live (not ended) session for the
// analysis, or nil when none exists.
func (s *PostgresStore) GetActiveSessionByAnalysis(ctx context.Context, analysisID string) (*CollabSession, error) {
	var item CollabSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, analysis_id, name, status, created_by, created_at, updated_at, ended_at, notes
		FROM collab_sessions
		WHERE analysis_id=$1 AND status <> 'ended'
	`, analysisID).Scan(&item.ID, &item.AnalysisID, &item.Name, &item.Status, &item.CreatedBy,
		&item.CreatedAt, &item.UpdatedAt, &item.EndedAt, &item.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, item CollabSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (id, analysis_id, name, status, created_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.AnalysisID, item.Name, item.Status, item.CreatedBy, item.Notes)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (CollabSession, error) {
	var item CollabSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, analysis_id, name, status, created_by, created_at, updated_at, ended_at, notes
		FROM collab_sessions
		WHERE id=$1
	`, sessionID).Scan(&item.ID, &item.AnalysisID, &item.Name, &item.Status, &item.CreatedBy,
		&item.CreatedAt, &item.UpdatedAt, &item.EndedAt, &item.Notes)
	if err != nil {
		return CollabSession{}, err
	}
	return item, nil
}

// UpdateSessionStatus moves the session to the target status. The legal
// transitions are enforced by the service; the WHERE clause keeps a racing
// transition from resurrecting an ended session.
func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) (bool, error) {
	var res sql.Result
	var err error
	if status == SessionEnded {
		res, err = s.db.ExecContext(ctx, `
			UPDATE collab_sessions
			SET status=$2, ended_at=NOW(), updated_at=NOW()
			WHERE id=$1 AND status <> 'ended'
		`, sessionID, status)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE collab_sessions
			SET status=$2, updated_at=NOW()
			WHERE id=$1 AND status <> 'ended'
		`, sessionID, status)
	}
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update session status: %w", err)
	}
	return affected > 0, nil
}

// --- participants ---

// UpsertParticipant inserts the participant or, on rejoin, reactivates the
// existing row. joined_at is kept from the first join so roster order is
// stable across reconnects.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p Participant) (Participant, error) {
	var out Participant
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO session_participants
			(id, session_id, user_id, user_name, user_email, joined_at, is_active, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), TRUE, NOW())
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			user_name=EXCLUDED.user_name,
			user_email=EXCLUDED.user_email,
			is_active=TRUE,
			left_at=NULL,
			last_activity_at=NOW()
		RETURNING id, session_id, user_id, user_name, user_email, joined_at, left_at, is_active, cursor_position, last_activity_at
	`, p.ID, p.SessionID, p.UserID, p.UserName, p.UserEmail).Scan(
		&out.ID, &out.SessionID, &out.UserID, &out.UserName, &out.UserEmail,
		&out.JoinedAt, &out.LeftAt, &out.IsActive, &out.CursorPosition, &out.LastActivityAt)
	if err != nil {
		return Participant{}, fmt.Errorf("upsert participant: %w", err)
	}
	return out, nil
}

// MarkParticipantLeft soft-closes the participant row. Idempotent: a second
// leave finds is_active=FALSE and touches nothing.
func (s *PostgresStore) MarkParticipantLeft(ctx context.Context, sessionID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_participants
		SET is_active=FALSE, left_at=NOW()
		WHERE session_id=$1 AND user_id=$2 AND is_active
	`, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("mark participant left: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark participant left: %w", err)
	}
	return affected > 0, nil
}

// TouchParticipant refreshes last_activity_at and, when cursor is non-nil,
// the cursor payload. Last write wins.
func (s *PostgresStore) TouchParticipant(ctx context.Context, sessionID, userID string, cursor json.RawMessage) (bool, error) {
	var res sql.Result
	var err error
	if cursor == nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE session_participants
			SET last_activity_at=NOW()
			WHERE session_id=$1 AND user_id=$2 AND is_active
		`, sessionID, userID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE session_participants
			SET last_activity_at=NOW(), cursor_position=$3
			WHERE session_id=$1 AND user_id=$2 AND is_active
		`, sessionID, userID, []byte(cursor))
	}
	if err != nil {
		return false, fmt.Errorf("touch participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("touch participant: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListActiveParticipants(ctx context.Context, sessionID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, user_name, user_email, joined_at, left_at, is_active, cursor_position, last_activity_at
		FROM session_participants
		WHERE session_id=$1 AND is_active
		ORDER BY joined_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.UserName, &p.UserEmail,
			&p.JoinedAt, &p.LeftAt, &p.IsActive, &p.CursorPosition, &p.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountActiveParticipants(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM session_participants WHERE session_id=$1 AND is_active
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

// EvictIdleParticipants marks participants inactive whose last activity is
// older than cutoff. Only the activity timestamp is judged, so a concurrent
// join or heartbeat (which refreshes it) is never undone; history rows are
// kept. Returns the evicted (sessionID, userID) pairs.
func (s *PostgresStore) EvictIdleParticipants(ctx context.Context, cutoff time.Time) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE session_participants sp
		SET is_active=FALSE, left_at=NOW()
		FROM collab_sessions cs
		WHERE sp.session_id = cs.id
			AND cs.status = 'active'
			AND sp.is_active
			AND sp.last_activity_at < $1
		RETURNING sp.id, sp.session_id, sp.user_id, sp.user_name, sp.user_email,
			sp.joined_at, sp.left_at, sp.is_active, sp.cursor_position, sp.last_activity_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("evict idle participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.UserName, &p.UserEmail,
			&p.JoinedAt, &p.LeftAt, &p.IsActive, &p.CursorPosition, &p.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan evicted participant: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evicted participants: %w", err)
	}
	return items, nil
}

// --- hazop entries ---

const entryColumns = `
	id, analysis_id, node_id, guide_word, parameter, deviation,
	causes, consequences, safeguards, recommendations, notes,
	version, severity, likelihood, risk_rank, updated_at, updated_by
`

func (s *PostgresStore) InsertEntry(ctx context.Context, e Entry) error {
	causes, consequences, safeguards, recommendations, err := marshalEntryLists(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hazop_entries
			(id, analysis_id, node_id, guide_word, parameter, deviation,
			 causes, consequences, safeguards, recommendations, notes, version, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
	`, e.ID, e.AnalysisID, e.NodeID, e.GuideWord, e.Parameter, e.Deviation,
		causes, consequences, safeguards, recommendations, e.Notes, e.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, entryID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM hazop_entries WHERE id=$1`, entryID)
	return scanEntryRow(row)
}

// UpdateEntryIfVersion writes the patched entry only when the stored version
// still equals baseVersion, bumping it by one in the same statement. This is
// the compare-and-increment the whole concurrency contract rests on: exactly
// one writer wins each version step.
func (s *PostgresStore) UpdateEntryIfVersion(ctx context.Context, e Entry, baseVersion int) (Entry, bool, error) {
	causes, consequences, safeguards, recommendations, err := marshalEntryLists(e)
	if err != nil {
		return Entry{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE hazop_entries
		SET guide_word=$3, parameter=$4, deviation=$5,
			causes=$6, consequences=$7, safeguards=$8, recommendations=$9,
			notes=$10, version=version+1, updated_at=NOW(), updated_by=$11
		WHERE id=$1 AND version=$2
		RETURNING `+entryColumns+`
	`, e.ID, baseVersion, e.GuideWord, e.Parameter, e.Deviation,
		causes, consequences, safeguards, recommendations, e.Notes, e.UpdatedBy)
	out, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("update entry: %w", err)
	}
	return out, true, nil
}

// UpdateEntryRisk sets the risk fields and bumps the version atomically.
// Unlike UpdateEntryIfVersion the write is unconditional: risk assessment is
// last-write-wins on its own fields, but still consumes a version step so
// concurrent field edits see the conflict.
func (s *PostgresStore) UpdateEntryRisk(ctx context.Context, entryID string, severity, likelihood *int, riskRank, updatedBy string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE hazop_entries
		SET severity=$2, likelihood=$3, risk_rank=$4, version=version+1, updated_at=NOW(), updated_by=$5
		WHERE id=$1
		RETURNING `+entryColumns+`
	`, entryID, severity, likelihood, nullIfEmpty(riskRank), updatedBy)
	out, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("update entry risk: %w", err)
	}
	return out, true, nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, entryID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hazop_entries WHERE id=$1`, entryID)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, analysisID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM hazop_entries
		WHERE analysis_id=$1
		ORDER BY node_id, guide_word, id
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0)
	for rows.Next() {
		item, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return items, nil
}

// ListEntryRiskFactors returns just the columns the aggregate recompute needs.
func (s *PostgresStore) ListEntryRiskFactors(ctx context.Context, analysisID string) ([]EntryRiskFactors, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, severity, likelihood
		FROM hazop_entries
		WHERE analysis_id=$1
	`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("list entry risk factors: %w", err)
	}
	defer rows.Close()

	items := make([]EntryRiskFactors, 0)
	for rows.Next() {
		var f EntryRiskFactors
		if err := rows.Scan(&f.NodeID, &f.Severity, &f.Likelihood); err != nil {
			return nil, fmt.Errorf("scan entry risk factors: %w", err)
		}
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry risk factors: %w", err)
	}
	return items, nil
}

// --- seed helpers ---

func (s *PostgresStore) CountAnalyses(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM analyses`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING
	`, id, name)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertProjectMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAnalysis(ctx context.Context, item Analysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, project_id, document_id, title, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.ProjectID, item.DocumentID, item.Title, item.Status)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertDocumentNode(ctx context.Context, id, documentID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_nodes (id, document_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, documentID, name)
	if err != nil {
		return fmt.Errorf("insert document node: %w", err)
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row rowScanner) (Entry, error) {
	var e Entry
	var causes, consequences, safeguards, recommendations []byte
	var riskRank sql.NullString
	err := row.Scan(&e.ID, &e.AnalysisID, &e.NodeID, &e.GuideWord, &e.Parameter, &e.Deviation,
		&causes, &consequences, &safeguards, &recommendations, &e.Notes,
		&e.Version, &e.Severity, &e.Likelihood, &riskRank, &e.UpdatedAt, &e.UpdatedBy)
	if err != nil {
		return Entry{}, err
	}
	e.RiskRank = riskRank.String
	for _, pair := range []struct {
		raw []byte
		out *[]string
	}{
		{causes, &e.Causes},
		{consequences, &e.Consequences},
		{safeguards, &e.Safeguards},
		{recommendations, &e.Recommendations},
	} {
		*pair.out = []string{}
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.out); err != nil {
				return Entry{}, fmt.Errorf("decode entry list: %w", err)
			}
		}
	}
	return e, nil
}

func scanEntryRows(rows *sql.Rows) (Entry, error) {
	item, err := scanEntryRow(rows)
	if err != nil {
		return Entry{}, fmt.Errorf("scan entry: %w", err)
	}
	return item, nil
}

func marshalEntryLists(e Entry) (causes, consequences, safeguards, recommendations []byte, err error) {
	if causes, err = json.Marshal(emptyIfNil(e.Causes)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode causes: %w", err)
	}
	if consequences, err = json.Marshal(emptyIfNil(e.Consequences)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode consequences: %w", err)
	}
	if safeguards, err = json.Marshal(emptyIfNil(e.Safeguards)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode safeguards: %w", err)
	}
	if recommendations, err = json.Marshal(emptyIfNil(e.Recommendations)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode recommendations: %w", err)
	}
	return causes, consequences, safeguards, recommendations, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
