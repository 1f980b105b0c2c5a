package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/harun/logdeck/internal/observability"
	"github.com/harun/logdeck/pkg/codec"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store keeps the rows of every session in a SQLite messages table.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens or creates the database at path.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "engine-store").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Row store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			session TEXT NOT NULL,
			pos INTEGER NOT NULL,
			source_id INTEGER NOT NULL DEFAULT 0,
			nature INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			PRIMARY KEY (session, pos)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append adds lines to the end of session's stream and returns the position
// of the first appended row.
func (s *Store) Append(ctx context.Context, session string, sourceID uint16, lines []string) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(pos) + 1, 0) FROM messages WHERE session = ?`, session).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read stream end: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (session, pos, source_id, nature, content) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, line := range lines {
		if _, err := stmt.ExecContext(ctx, session, next+int64(i), int64(sourceID), int64(natureOf(line)), line); err != nil {
			return 0, fmt.Errorf("failed to insert row %d: %w", next+int64(i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rows: %w", err)
	}

	s.logger.Debug().
		Str("sessionKey", session).
		Int64("first", next).
		Int("rows", len(lines)).
		Msg("Rows appended")
	s.reportSize(ctx)

	return uint64(next), nil
}

func (s *Store) reportSize(ctx context.Context) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&total); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to count stored rows")
		return
	}
	observability.SetEngineStoredRows(uint64(total))
}

// Len returns the number of rows in session's stream.
func (s *Store) Len(ctx context.Context, session string) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session = ?`, session).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return uint64(n), nil
}

// LoadRecords returns the rows with positions in [start, end].
func (s *Store) LoadRecords(ctx context.Context, session string, start, end uint64) ([]codec.Row, error) {
	rows := make([]codec.Row, 0, clampCap(end-start+1))
	err := s.Scan(ctx, session, start, end, func(row codec.Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Scan calls fn for each row in [start, end] in position order. It stops at
// the first error from fn or when ctx is done.
func (s *Store) Scan(ctx context.Context, session string, start, end uint64, fn func(codec.Row) error) error {
	if start > math.MaxInt64 {
		return nil
	}
	if end > math.MaxInt64 {
		end = math.MaxInt64
	}

	rs, err := s.db.QueryContext(ctx,
		`SELECT pos, source_id, nature, content FROM messages WHERE session = ? AND pos BETWEEN ? AND ? ORDER BY pos`,
		session, int64(start), int64(end))
	if err != nil {
		return fmt.Errorf("failed to query rows: %w", err)
	}
	defer rs.Close()

	for rs.Next() {
		var (
			pos, sourceID, nature int64
			content               string
		)
		if err := rs.Scan(&pos, &sourceID, &nature, &content); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		row := codec.Row{
			Position: uint64(pos),
			Content:  content,
			SourceID: uint16(sourceID),
			Nature:   codec.Nature(nature),
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rs.Err(); err != nil {
		return fmt.Errorf("failed to iterate rows: %w", err)
	}
	return ctx.Err()
}

// Sessions lists the sessions that have rows.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rs, err := s.db.QueryContext(ctx, `SELECT DISTINCT session FROM messages ORDER BY session`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rs.Close()

	var sessions []string
	for rs.Next() {
		var session string
		if err := rs.Scan(&session); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rs.Err()
}

// Delete removes every row of session.
func (s *Store) Delete(ctx context.Context, session string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session = ?`, session)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session rows: %w", err)
	}
	n, _ := res.RowsAffected()
	s.reportSize(ctx)
	return n, nil
}

func clampCap(n uint64) int {
	const maxPrealloc = 4096
	if n > maxPrealloc {
		return maxPrealloc
	}
	return int(n)
}
