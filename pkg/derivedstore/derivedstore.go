// Package derivedstore implements C2, the mutable conversation/turn/
// code-change state the slow path builds up from C1's raw trace rows.
// It is colocated with C1 in the same *sql.DB (spec §4.2) so a future
// caller could join a derived update against a raw row in one
// transaction, even though neither store currently needs to.
package derivedstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

// Store is the derived-state layer over conversations, turns, and
// code_changes.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open attaches derivedstore's schema to an already-open *sql.DB, which
// callers are expected to share with pkg/tracestore.
func Open(db *sql.DB, logger *logrus.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id      TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL,
		external_session_id  TEXT NOT NULL,
		platform             TEXT NOT NULL,
		workspace_hash       TEXT,
		started_at           DATETIME NOT NULL,
		ended_at             DATETIME,
		interaction_count    INTEGER NOT NULL DEFAULT 0,
		acceptance_rate      REAL,
		total_tokens         INTEGER NOT NULL DEFAULT 0,
		total_changes        INTEGER NOT NULL DEFAULT 0,
		UNIQUE(external_session_id, platform)
	);

	CREATE TABLE IF NOT EXISTS turns (
		turn_id         TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		turn_number     INTEGER NOT NULL,
		turn_type       TEXT NOT NULL,
		content_hash    TEXT NOT NULL,
		tokens_used     INTEGER,
		latency_ms      INTEGER,
		tools_called    TEXT,
		created_at      DATETIME NOT NULL,
		event_id        TEXT NOT NULL,
		UNIQUE(conversation_id, turn_number),
		UNIQUE(conversation_id, event_id)
	);

	CREATE TABLE IF NOT EXISTS code_changes (
		change_id           TEXT PRIMARY KEY,
		conversation_id     TEXT NOT NULL REFERENCES conversations(conversation_id),
		turn_id             TEXT,
		file_extension      TEXT,
		operation           TEXT NOT NULL,
		lines_added         INTEGER NOT NULL DEFAULT 0,
		lines_removed       INTEGER NOT NULL DEFAULT 0,
		accepted            INTEGER NOT NULL DEFAULT 0,
		acceptance_delay_ms INTEGER,
		created_at          DATETIME NOT NULL,
		event_id            TEXT NOT NULL,
		UNIQUE(conversation_id, event_id)
	);

	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, turn_number);
	CREATE INDEX IF NOT EXISTS idx_changes_conversation ON code_changes(conversation_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_platform ON conversations(platform, started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("derivedstore: ensure schema: %w", err)
	}
	return nil
}

// GetOrCreateConversation is idempotent on (external_session_id,
// platform) per spec §4.2.
func (s *Store) GetOrCreateConversation(ctx context.Context, sessionID, externalSessionID, platform, workspaceHash string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id FROM conversations WHERE external_session_id = ? AND platform = ?`,
		externalSessionID, platform).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("derivedstore: lookup conversation: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, session_id, external_session_id, platform, workspace_hash, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_session_id, platform) DO NOTHING`,
		id, sessionID, externalSessionID, platform, workspaceHash, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("derivedstore: create conversation: %w", err)
	}

	// Another concurrent caller may have won the race; re-read rather than
	// trust the generated id.
	if err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id FROM conversations WHERE external_session_id = ? AND platform = ?`,
		externalSessionID, platform).Scan(&existing); err != nil {
		return "", fmt.Errorf("derivedstore: re-read conversation after insert: %w", err)
	}
	return existing, nil
}

// AppendTurn assigns turn_number = max_existing + 1 under a
// transaction-scoped lock (sqlite's single-writer semantics serve as the
// compare-and-set spec §4.2 asks for) and bumps interaction_count. It is
// idempotent on (conversation_id, event_id): a redelivered CDC record
// for the same source event returns the previously assigned turn_id
// rather than creating a duplicate turn.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turnType types.TurnType, contentHash, eventID string, toolsCalled []string, tokensUsed, latencyMs *int64) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("derivedstore: begin append_turn: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT turn_id FROM turns WHERE conversation_id = ? AND event_id = ?`, conversationID, eventID).Scan(&existingID)
	if err == nil {
		return existingID, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("derivedstore: lookup existing turn: %w", err)
	}

	var maxTurn sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MAX(turn_number) FROM turns WHERE conversation_id = ?`, conversationID).Scan(&maxTurn); err != nil {
		return "", fmt.Errorf("derivedstore: max turn number: %w", err)
	}
	nextTurn := maxTurn.Int64 + 1

	turnID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (turn_id, conversation_id, turn_number, turn_type, content_hash, tokens_used, latency_ms, tools_called, created_at, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turnID, conversationID, nextTurn, string(turnType), contentHash, tokensUsed, latencyMs, joinTools(toolsCalled), time.Now().UTC(), eventID)
	if err != nil {
		return "", fmt.Errorf("derivedstore: insert turn: %w", err)
	}

	tokenDelta := int64(0)
	if tokensUsed != nil {
		tokenDelta = *tokensUsed
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET interaction_count = interaction_count + 1, total_tokens = total_tokens + ?
		WHERE conversation_id = ?`, tokenDelta, conversationID); err != nil {
		return "", fmt.Errorf("derivedstore: bump interaction count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("derivedstore: commit append_turn: %w", err)
	}
	return turnID, nil
}

// AppendCodeChange inserts a code change and, within the same
// transaction, recomputes acceptance_rate and total_changes for the
// owning conversation (spec §4.2 invariant). It is idempotent on
// (conversation_id, event_id).
func (s *Store) AppendCodeChange(ctx context.Context, conversationID, turnID, fileExtension string, operation types.ChangeOperation, linesAdded, linesRemoved int64, accepted types.AcceptedState, acceptanceDelayMs *int64, eventID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("derivedstore: begin append_code_change: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT change_id FROM code_changes WHERE conversation_id = ? AND event_id = ?`, conversationID, eventID).Scan(&existingID)
	if err == nil {
		return existingID, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("derivedstore: lookup existing change: %w", err)
	}

	changeID := uuid.NewString()
	var turnArg interface{}
	if turnID != "" {
		turnArg = turnID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO code_changes (change_id, conversation_id, turn_id, file_extension, operation, lines_added, lines_removed, accepted, acceptance_delay_ms, created_at, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		changeID, conversationID, turnArg, fileExtension, string(operation), linesAdded, linesRemoved, int(accepted), acceptanceDelayMs, time.Now().UTC(), eventID)
	if err != nil {
		return "", fmt.Errorf("derivedstore: insert code change: %w", err)
	}

	var totalChanges, acceptedCount, knownCount int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_changes WHERE conversation_id = ?`, conversationID).Scan(&totalChanges); err != nil {
		return "", fmt.Errorf("derivedstore: count total changes: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM code_changes WHERE conversation_id = ? AND accepted = ?`,
		conversationID, int(types.AcceptedTrue)).Scan(&acceptedCount); err != nil {
		return "", fmt.Errorf("derivedstore: count accepted changes: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM code_changes WHERE conversation_id = ? AND accepted != ?`,
		conversationID, int(types.AcceptedUnknown)).Scan(&knownCount); err != nil {
		return "", fmt.Errorf("derivedstore: count known changes: %w", err)
	}

	var rate interface{}
	if knownCount > 0 {
		rate = float64(acceptedCount) / float64(knownCount)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET total_changes = ?, acceptance_rate = ? WHERE conversation_id = ?`,
		totalChanges, rate, conversationID); err != nil {
		return "", fmt.Errorf("derivedstore: update conversation acceptance rate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("derivedstore: commit append_code_change: %w", err)
	}
	return changeID, nil
}

// GetConversationFlow returns the full reconstructed view of a
// conversation: its row plus ordered turns and code changes.
func (s *Store) GetConversationFlow(ctx context.Context, conversationID string) (*types.ConversationFlow, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	turns, err := s.getTurns(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	changes, err := s.getCodeChanges(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return &types.ConversationFlow{Conversation: *conv, Turns: turns, CodeChanges: changes}, nil
}

func (s *Store) getConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	var c types.Conversation
	var endedAt sql.NullTime
	var acceptanceRate sql.NullFloat64
	var workspaceHash sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, session_id, external_session_id, platform, workspace_hash,
		       started_at, ended_at, interaction_count, acceptance_rate, total_tokens, total_changes
		FROM conversations WHERE conversation_id = ?`, conversationID).Scan(
		&c.ConversationID, &c.SessionID, &c.ExternalSessionID, &c.Platform, &workspaceHash,
		&c.StartedAt, &endedAt, &c.InteractionCount, &acceptanceRate, &c.TotalTokens, &c.TotalChanges,
	)
	if err != nil {
		return nil, fmt.Errorf("derivedstore: get conversation %s: %w", conversationID, err)
	}
	c.WorkspaceHash = workspaceHash.String
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	if acceptanceRate.Valid {
		c.AcceptanceRate = &acceptanceRate.Float64
	}
	return &c, nil
}

func (s *Store) getTurns(ctx context.Context, conversationID string) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, conversation_id, turn_number, turn_type, content_hash, tokens_used, latency_ms, tools_called, created_at, event_id
		FROM turns WHERE conversation_id = ? ORDER BY turn_number ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("derivedstore: list turns: %w", err)
	}
	defer rows.Close()

	var out []types.Turn
	for rows.Next() {
		var t types.Turn
		var turnType string
		var tokensUsed, latencyMs sql.NullInt64
		var toolsCalled sql.NullString
		if err := rows.Scan(&t.TurnID, &t.ConversationID, &t.TurnNumber, &turnType, &t.ContentHash,
			&tokensUsed, &latencyMs, &toolsCalled, &t.CreatedAt, &t.EventID); err != nil {
			return nil, fmt.Errorf("derivedstore: scan turn: %w", err)
		}
		t.TurnType = types.TurnType(turnType)
		if tokensUsed.Valid {
			v := tokensUsed.Int64
			t.TokensUsed = &v
		}
		if latencyMs.Valid {
			v := latencyMs.Int64
			t.LatencyMs = &v
		}
		t.ToolsCalled = splitTools(toolsCalled.String)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) getCodeChanges(ctx context.Context, conversationID string) ([]types.CodeChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_id, conversation_id, COALESCE(turn_id, ''), COALESCE(file_extension, ''), operation,
		       lines_added, lines_removed, accepted, acceptance_delay_ms, created_at, event_id
		FROM code_changes WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("derivedstore: list code changes: %w", err)
	}
	defer rows.Close()

	var out []types.CodeChange
	for rows.Next() {
		var c types.CodeChange
		var operation string
		var accepted int
		var acceptanceDelayMs sql.NullInt64
		if err := rows.Scan(&c.ChangeID, &c.ConversationID, &c.TurnID, &c.FileExtension, &operation,
			&c.LinesAdded, &c.LinesRemoved, &accepted, &acceptanceDelayMs, &c.CreatedAt, &c.EventID); err != nil {
			return nil, fmt.Errorf("derivedstore: scan code change: %w", err)
		}
		c.Operation = types.ChangeOperation(operation)
		c.Accepted = types.AcceptedState(accepted)
		if acceptanceDelayMs.Valid {
			v := acceptanceDelayMs.Int64
			c.AcceptanceDelayMs = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListConversations returns a page of conversations, optionally filtered
// by platform, most recently started first.
func (s *Store) ListConversations(ctx context.Context, platform string, limit, offset int) ([]types.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if platform != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT conversation_id, session_id, external_session_id, platform, workspace_hash,
			       started_at, ended_at, interaction_count, acceptance_rate, total_tokens, total_changes
			FROM conversations WHERE platform = ? ORDER BY started_at DESC LIMIT ? OFFSET ?`, platform, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT conversation_id, session_id, external_session_id, platform, workspace_hash,
			       started_at, ended_at, interaction_count, acceptance_rate, total_tokens, total_changes
			FROM conversations ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("derivedstore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var c types.Conversation
		var endedAt sql.NullTime
		var acceptanceRate sql.NullFloat64
		var workspaceHash sql.NullString
		if err := rows.Scan(&c.ConversationID, &c.SessionID, &c.ExternalSessionID, &c.Platform, &workspaceHash,
			&c.StartedAt, &endedAt, &c.InteractionCount, &acceptanceRate, &c.TotalTokens, &c.TotalChanges); err != nil {
			return nil, fmt.Errorf("derivedstore: scan conversation: %w", err)
		}
		c.WorkspaceHash = workspaceHash.String
		if endedAt.Valid {
			c.EndedAt = &endedAt.Time
		}
		if acceptanceRate.Valid {
			c.AcceptanceRate = &acceptanceRate.Float64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AggregateStats summarises conversation activity over [from, to).
type AggregateStats struct {
	ConversationCount int64
	TotalTurns        int64
	TotalChanges      int64
	AvgAcceptanceRate float64
}

// AggregateStatsOverRange computes AggregateStats over conversations
// started within [from, to).
func (s *Store) AggregateStatsOverRange(ctx context.Context, from, to time.Time) (AggregateStats, error) {
	var stats AggregateStats
	var avgAcceptance sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(interaction_count), 0), COALESCE(SUM(total_changes), 0), AVG(acceptance_rate)
		FROM conversations WHERE started_at >= ? AND started_at < ?`, from, to).
		Scan(&stats.ConversationCount, &stats.TotalTurns, &stats.TotalChanges, &avgAcceptance)
	if err != nil {
		return stats, fmt.Errorf("derivedstore: aggregate stats: %w", err)
	}
	stats.AvgAcceptanceRate = avgAcceptance.Float64
	return stats, nil
}

func joinTools(tools []string) string {
	if len(tools) == 0 {
		return ""
	}
	out := tools[0]
	for _, t := range tools[1:] {
		out += "," + t
	}
	return out
}

func splitTools(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
