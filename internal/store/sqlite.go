package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLite persists meeting documents in a single database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS meetings (
			id         TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			ended_at   INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
			id         TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			joined_at  INTEGER NOT NULL,
			left_at    INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			meeting_id TEXT NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
			sender     TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL,
			source     TEXT DEFAULT '',
			sent_at    INTEGER NOT NULL
		)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLite{db: db}, nil
}

// MeetingCreated starts a fresh document; an older meeting that used the
// same id is replaced.
func (s *SQLite) MeetingCreated(ctx context.Context, id domain.MeetingID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM meetings WHERE id = ?`, string(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meetings (id, created_at) VALUES (?, ?)`, string(id), at.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) ParticipantJoined(ctx context.Context, id domain.MeetingID, p domain.Participant, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO participants (meeting_id, id, name, joined_at) VALUES (?, ?, ?, ?)`,
		string(id), string(p.ID), p.Name, at.UnixMilli())
	return s.checkFK(ctx, id, err)
}

func (s *SQLite) ParticipantLeft(ctx context.Context, id domain.MeetingID, pid domain.ParticipantID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE participants SET left_at = ? WHERE meeting_id = ? AND id = ? AND left_at = 0`,
		at.UnixMilli(), string(id), string(pid))
	return err
}

func (s *SQLite) ChatPosted(ctx context.Context, id domain.MeetingID, c ChatRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat (meeting_id, sender, name, text, source, sent_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), string(c.From), c.Name, c.Text, c.Source, c.SentAt.UnixMilli())
	return s.checkFK(ctx, id, err)
}

func (s *SQLite) MeetingEnded(ctx context.Context, id domain.MeetingID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE meetings SET ended_at = ? WHERE id = ?`, at.UnixMilli(), string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Meeting(ctx context.Context, id domain.MeetingID) (Document, error) {
	var created, ended int64
	err := s.db.QueryRowContext(ctx, `SELECT created_at, ended_at FROM meetings WHERE id = ?`, string(id)).Scan(&created, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	doc := Document{ID: id, CreatedAt: time.UnixMilli(created)}
	if ended > 0 {
		t := time.UnixMilli(ended)
		doc.EndedAt = &t
	}

	if doc.Participants, err = s.participants(ctx, id); err != nil {
		return Document{}, err
	}
	if doc.Chat, err = s.chat(ctx, id); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *SQLite) participants(ctx context.Context, id domain.MeetingID) ([]ParticipantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, joined_at, left_at FROM participants WHERE meeting_id = ? ORDER BY rowid`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ParticipantRecord
	for rows.Next() {
		var (
			p            ParticipantRecord
			pid          string
			joined, left int64
		)
		if err := rows.Scan(&pid, &p.Name, &joined, &left); err != nil {
			return nil, err
		}
		p.ID = domain.ParticipantID(pid)
		p.JoinedAt = time.UnixMilli(joined)
		if left > 0 {
			t := time.UnixMilli(left)
			p.LeftAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) chat(ctx context.Context, id domain.MeetingID) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sender, name, text, source, sent_at FROM chat WHERE meeting_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var (
			c      ChatRecord
			sender string
			sent   int64
		)
		if err := rows.Scan(&sender, &c.Name, &c.Text, &c.Source, &sent); err != nil {
			return nil, err
		}
		c.From = domain.ParticipantID(sender)
		c.SentAt = time.UnixMilli(sent)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

// checkFK maps a foreign key failure to ErrNotFound.
func (s *SQLite) checkFK(ctx context.Context, id domain.MeetingID, err error) error {
	if err == nil {
		return nil
	}
	var one int
	if qerr := s.db.QueryRowContext(ctx, `SELECT 1 FROM meetings WHERE id = ?`, string(id)).Scan(&one); errors.Is(qerr, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
