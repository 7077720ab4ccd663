// Package tracestore implements C1, the append-only, sequence-ordered
// ledger of raw events. It is backed by mattn/go-sqlite3 in WAL mode —
// the same durable, colocated-store idiom the corpus uses for
// self-learning trace persistence — with event_data compressed through
// pkg/compression before it touches disk.
package tracestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/ssw-telemetry/telemetry-core/pkg/compression"
	appErrors "github.com/ssw-telemetry/telemetry-core/pkg/errors"
	"github.com/ssw-telemetry/telemetry-core/pkg/types"
)

// Config configures the trace store's sqlite file and pragmas.
type Config struct {
	Path string `yaml:"path"`
}

// Store is the sequence-ordered, append-only trace ledger.
type Store struct {
	db     *sql.DB
	codec  *compression.Codec
	logger *logrus.Logger
	mu     sync.Mutex
}

// Open creates or attaches to the sqlite file at config.Path, enabling
// WAL mode so concurrent readers never block the single append writer.
func Open(config Config, codec *compression.Codec, logger *logrus.Logger) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("tracestore: path is required")
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", config.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracestore: open %s: %w", config.Path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, codec: codec, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so pkg/derivedstore can colocate its
// tables in the same file per spec §2's "single colocated sqlite file"
// note.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trace_events (
		sequence        INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT NOT NULL UNIQUE,
		session_id      TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		platform        TEXT NOT NULL,
		timestamp       DATETIME NOT NULL,
		workspace_hash  TEXT,
		model           TEXT,
		tool_name       TEXT,
		duration_ms     INTEGER,
		tokens_used     INTEGER,
		lines_added     INTEGER,
		lines_removed   INTEGER,
		event_data      BLOB NOT NULL,
		ingested_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_trace_events_session ON trace_events(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_trace_events_session_ts ON trace_events(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_trace_events_type ON trace_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_trace_events_timestamp ON trace_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_trace_events_platform ON trace_events(platform);
	CREATE INDEX IF NOT EXISTS idx_trace_events_date_hour ON trace_events(strftime('%Y-%m-%d', timestamp), strftime('%H', timestamp));
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("tracestore: ensure schema: %w", err)
	}
	return nil
}

// AppendBatch inserts rows in a single transaction and returns the
// assigned sequence numbers in the same order as rows, per spec §3's
// "sequence is monotonically increasing, gapless within a store
// lifetime" invariant. A duplicate event_id within the batch (or
// against an existing row) is skipped, not an error — ingest is
// at-least-once and retried batches may overlap.
func (s *Store) AppendBatch(ctx context.Context, rows []types.TraceRow, raw [][]byte) ([]int64, error) {
	if len(rows) != len(raw) {
		return nil, fmt.Errorf("tracestore: rows/raw length mismatch: %d vs %d", len(rows), len(raw))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, appErrors.StoreWriteError("begin_batch_transaction", err.Error()).Wrap(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trace_events
		(event_id, session_id, event_type, platform, timestamp, workspace_hash,
		 model, tool_name, duration_ms, tokens_used, lines_added, lines_removed, event_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, appErrors.StoreWriteError("prepare_batch_insert", err.Error()).Wrap(err)
	}
	defer stmt.Close()

	sequences := make([]int64, len(rows))
	for i, row := range rows {
		compressed, err := s.codec.Compress(raw[i])
		if err != nil {
			return nil, fmt.Errorf("tracestore: compress event_data for %s: %w", row.EventID, err)
		}

		res, err := stmt.ExecContext(ctx,
			row.EventID, row.SessionID, row.EventType, row.Platform, row.Timestamp, row.WorkspaceHash,
			row.Model, row.ToolName, row.DurationMs, row.TokensUsed, row.LinesAdded, row.LinesRemoved,
			compressed,
		)
		if err != nil {
			return nil, appErrors.StoreWriteError("insert_event", err.Error()).WithMetadata("event_id", row.EventID).Wrap(err)
		}

		affected, _ := res.RowsAffected()
		if affected == 0 {
			// event_id already present: look up its existing sequence so
			// the caller can still emit a CDC record referencing it.
			var existing int64
			if err := tx.QueryRowContext(ctx, `SELECT sequence FROM trace_events WHERE event_id = ?`, row.EventID).Scan(&existing); err != nil {
				return nil, fmt.Errorf("tracestore: resolve existing sequence for %s: %w", row.EventID, err)
			}
			sequences[i] = existing
			continue
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("tracestore: last insert id for %s: %w", row.EventID, err)
		}
		sequences[i] = seq
	}

	if err := tx.Commit(); err != nil {
		return nil, appErrors.StoreWriteError("commit_batch_transaction", err.Error()).Wrap(err)
	}
	return sequences, nil
}

// GetBySequence retrieves one row by its sequence number, decompressing
// event_data, or appErrors.CodeMissingBySequence-tagged error when it is
// absent (spec §7: deleted/vacuumed rows the CDC stream still
// references).
func (s *Store) GetBySequence(ctx context.Context, sequence int64) (*types.TraceRow, []byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, event_id, session_id, event_type, platform, timestamp, workspace_hash,
		       model, tool_name, duration_ms, tokens_used, lines_added, lines_removed, event_data, ingested_at
		FROM trace_events WHERE sequence = ?`, sequence)

	r, compressed, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil, appErrors.MissingBySequenceError("get_by_sequence", fmt.Sprintf("sequence %d not found", sequence))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("tracestore: get by sequence %d: %w", sequence, err)
	}

	raw, err := s.codec.Decompress(compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("tracestore: decompress sequence %d: %w", sequence, err)
	}
	return r, raw, nil
}

// GetSessionEvents returns a session's events within [tLo, tHi], ordered by
// producer timestamp and, for ties, by sequence (spec §4.1's
// get_session_events contract). A zero tLo or tHi leaves that bound open.
func (s *Store) GetSessionEvents(ctx context.Context, sessionID string, tLo, tHi time.Time) ([]types.TraceRow, error) {
	query := `
		SELECT sequence, event_id, session_id, event_type, platform, timestamp, workspace_hash,
		       model, tool_name, duration_ms, tokens_used, lines_added, lines_removed, event_data, ingested_at
		FROM trace_events WHERE session_id = ?`
	args := []interface{}{sessionID}

	if !tLo.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, tLo)
	}
	if !tHi.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, tHi)
	}
	query += " ORDER BY timestamp ASC, sequence ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tracestore: get session events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.TraceRow
	for rows.Next() {
		r, _, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("tracestore: scan session event: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AggregateSession computes the session-level aggregate used by the
// derived-state views in spec §3.
func (s *Store) AggregateSession(ctx context.Context, sessionID string) (types.SessionAggregate, error) {
	var agg types.SessionAggregate
	var sumTokens, sumLinesAdded, sumLinesRemoved sql.NullInt64
	var avgDuration sql.NullFloat64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(tokens_used), AVG(duration_ms), SUM(lines_added), SUM(lines_removed)
		FROM trace_events WHERE session_id = ?`, sessionID).
		Scan(&agg.Count, &sumTokens, &avgDuration, &sumLinesAdded, &sumLinesRemoved)
	if err != nil {
		return agg, fmt.Errorf("tracestore: aggregate session %s: %w", sessionID, err)
	}
	agg.SumTokens = sumTokens.Int64
	agg.AvgDurationMs = avgDuration.Float64
	agg.SumLinesAdded = sumLinesAdded.Int64
	agg.SumLinesRemoved = sumLinesRemoved.Int64

	typeRows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT event_type FROM trace_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return agg, fmt.Errorf("tracestore: distinct event types for %s: %w", sessionID, err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var t string
		if err := typeRows.Scan(&t); err != nil {
			return agg, err
		}
		agg.DistinctEventTypes = append(agg.DistinctEventTypes, t)
	}
	return agg, typeRows.Err()
}

// Vacuum reclaims space after retention-driven deletes. It is run on a
// slow, infrequent cadence by the caller, never on the hot append path.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("tracestore: vacuum: %w", err)
	}
	return nil
}

// DeleteOlderThan removes rows whose timestamp precedes cutoff, used by
// a retention job ahead of Vacuum. It returns the number of rows
// removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM trace_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("tracestore: delete older than %s: %w", cutoff, err)
	}
	return res.RowsAffected()
}

// Close releases the sqlite handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(rs rowScanner) (*types.TraceRow, []byte, error) {
	var r types.TraceRow
	var workspaceHash, model, toolName sql.NullString
	var durationMs, tokensUsed, linesAdded, linesRemoved sql.NullInt64
	var eventData []byte

	err := rs.Scan(
		&r.Sequence, &r.EventID, &r.SessionID, &r.EventType, &r.Platform, &r.Timestamp, &workspaceHash,
		&model, &toolName, &durationMs, &tokensUsed, &linesAdded, &linesRemoved, &eventData, &r.IngestedAt,
	)
	if err != nil {
		return nil, nil, err
	}

	r.WorkspaceHash = workspaceHash.String
	r.Model = model.String
	r.ToolName = toolName.String
	if durationMs.Valid {
		v := durationMs.Int64
		r.DurationMs = &v
	}
	if tokensUsed.Valid {
		v := tokensUsed.Int64
		r.TokensUsed = &v
	}
	if linesAdded.Valid {
		v := linesAdded.Int64
		r.LinesAdded = &v
	}
	if linesRemoved.Valid {
		v := linesRemoved.Int64
		r.LinesRemoved = &v
	}
	r.EventData = eventData
	return &r, eventData, nil
}
