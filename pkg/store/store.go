// Package store manages the SQLite persistence of one replica.
//
// Two things live here. The checkpoint is a complete image of the replica's
// state (knowledge matrix, mailboxes and pending sets) that lets a restart
// skip replaying the whole command log. The watermark holds, per origin, the
// point below which the command log has been garbage collected, which is
// where replay must start.
//
// The command log itself is not in SQLite; see package cmdlog.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/replimail/pkg/model"

	_ "modernc.org/sqlite"
)

// Checkpoint is a complete image of a replica's replicated state.
type Checkpoint struct {
	Replica   int                   `json:"replica"`
	Taken     time.Time             `json:"taken"`
	Knowledge [][]int64             `json:"knowledge"`
	Mailbox   model.MailboxSnapshot `json:"mailbox"`
}

// Applied returns the checkpointed K[self] row: how many commands from each
// origin the checkpoint covers.
func (c *Checkpoint) Applied() []int64 {
	return c.Knowledge[c.Replica]
}

// Store manages all SQLite operations with WAL mode.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations should use this to handle transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ), for example when the status
// command reads while the replica writes.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoint_meta (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		replica    INTEGER NOT NULL,
		replicas   INTEGER NOT NULL,
		taken_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS knowledge (
		row        INTEGER NOT NULL,
		col        INTEGER NOT NULL,
		value      INTEGER NOT NULL,
		PRIMARY KEY (row, col)
	);

	CREATE TABLE IF NOT EXISTS pending (
		kind       TEXT NOT NULL,
		origin     INTEGER NOT NULL,
		idx        INTEGER NOT NULL,
		username   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (kind, origin, idx, username)
	);

	CREATE TABLE IF NOT EXISTS inbox (
		origin     INTEGER NOT NULL,
		idx        INTEGER NOT NULL,
		recipient  TEXT NOT NULL,
		sender     TEXT NOT NULL,
		subject    TEXT NOT NULL,
		body       TEXT NOT NULL,
		sent_at    INTEGER NOT NULL,
		read       INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (origin, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_recipient ON inbox(recipient, sent_at, idx, origin);

	CREATE TABLE IF NOT EXISTS watermark (
		origin     INTEGER PRIMARY KEY,
		point      INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const (
	pendingRead   = "read"
	pendingDelete = "delete"
	deleted       = "deleted"
)

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

// SaveCheckpoint replaces the stored checkpoint with cp in one transaction,
// so a crash leaves either the old checkpoint or the new one.
func (s *Store) SaveCheckpoint(cp *Checkpoint) error {
	n := len(cp.Knowledge)
	if cp.Replica < 0 || cp.Replica >= n {
		return fmt.Errorf("checkpoint: replica %d outside %d replicas", cp.Replica, n)
	}
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for _, table := range []string{"checkpoint_meta", "knowledge", "pending", "inbox"} {
			if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO checkpoint_meta (id, replica, replicas, taken_at) VALUES (1, ?, ?, ?)`,
			cp.Replica, n, cp.Taken.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert meta: %w", err)
		}

		stmt, err := tx.Prepare(`INSERT INTO knowledge (row, col, value) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, row := range cp.Knowledge {
			if len(row) != n {
				return fmt.Errorf("checkpoint: knowledge row %d has %d columns, want %d", i, len(row), n)
			}
			for j, v := range row {
				if _, err := stmt.Exec(i, j, v); err != nil {
					return fmt.Errorf("insert knowledge: %w", err)
				}
			}
		}

		pstmt, err := tx.Prepare(`INSERT INTO pending (kind, origin, idx, username) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer pstmt.Close()
		for kind, cs := range map[string][]model.Claim{
			pendingRead:   cp.Mailbox.PendingRead,
			pendingDelete: cp.Mailbox.PendingDelete,
		} {
			for _, c := range cs {
				if _, err := pstmt.Exec(kind, c.Target.Origin, c.Target.Index, c.Username); err != nil {
					return fmt.Errorf("insert pending %s: %w", kind, err)
				}
			}
		}
		for _, id := range cp.Mailbox.Deleted {
			if _, err := pstmt.Exec(deleted, id.Origin, id.Index, ""); err != nil {
				return fmt.Errorf("insert deleted: %w", err)
			}
		}

		istmt, err := tx.Prepare(
			`INSERT INTO inbox (origin, idx, recipient, sender, subject, body, sent_at, read)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer istmt.Close()
		for _, box := range cp.Mailbox.Inboxes {
			for _, e := range box {
				if _, err := istmt.Exec(e.ID.Origin, e.ID.Index, e.To, e.From, e.Subject, e.Body,
					e.SentAt.UnixNano(), e.Read); err != nil {
					return fmt.Errorf("insert inbox entry %s: %w", e.ID, err)
				}
			}
		}
		return tx.Commit()
	})
}

// LoadCheckpoint returns the stored checkpoint. found is false on a fresh
// database.
func (s *Store) LoadCheckpoint() (cp *Checkpoint, found bool, err error) {
	cp = &Checkpoint{}
	var n int
	var takenStr string
	err = s.db.QueryRow(`SELECT replica, replicas, taken_at FROM checkpoint_meta WHERE id = 1`).
		Scan(&cp.Replica, &n, &takenStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cp.Taken, err = time.Parse(time.RFC3339Nano, takenStr)
	if err != nil {
		return nil, false, fmt.Errorf("parse taken_at: %w", err)
	}

	cp.Knowledge = make([][]int64, n)
	for i := range cp.Knowledge {
		cp.Knowledge[i] = make([]int64, n)
	}
	rows, err := s.db.Query(`SELECT row, col, value FROM knowledge`)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var i, j int
		var v int64
		if err := rows.Scan(&i, &j, &v); err != nil {
			return nil, false, err
		}
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, false, fmt.Errorf("knowledge cell (%d,%d) outside %d replicas", i, j, n)
		}
		cp.Knowledge[i][j] = v
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if err := s.loadPending(&cp.Mailbox); err != nil {
		return nil, false, err
	}
	if cp.Mailbox.Inboxes, err = s.loadInboxes(); err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (s *Store) loadPending(snap *model.MailboxSnapshot) error {
	rows, err := s.db.Query(`SELECT kind, origin, idx, username FROM pending ORDER BY idx, origin, username`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var c model.Claim
		if err := rows.Scan(&kind, &c.Target.Origin, &c.Target.Index, &c.Username); err != nil {
			return err
		}
		switch kind {
		case pendingRead:
			snap.PendingRead = append(snap.PendingRead, c)
		case pendingDelete:
			snap.PendingDelete = append(snap.PendingDelete, c)
		case deleted:
			snap.Deleted = append(snap.Deleted, c.Target)
		default:
			return fmt.Errorf("unknown pending kind %q", kind)
		}
	}
	return rows.Err()
}

func (s *Store) loadInboxes() (map[string][]model.InboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT origin, idx, recipient, sender, subject, body, sent_at, read
		 FROM inbox ORDER BY recipient, sent_at, idx, origin`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	boxes := make(map[string][]model.InboxEntry)
	for rows.Next() {
		var e model.InboxEntry
		var sentAt int64
		if err := rows.Scan(&e.ID.Origin, &e.ID.Index, &e.To, &e.From, &e.Subject, &e.Body,
			&sentAt, &e.Read); err != nil {
			return nil, err
		}
		e.SentAt = time.Unix(0, sentAt).UTC()
		boxes[e.To] = append(boxes[e.To], e)
	}
	return boxes, rows.Err()
}

// ---------------------------------------------------------------------------
// Watermark
// ---------------------------------------------------------------------------

// SaveWatermark records, per origin, the highest index the command log no
// longer holds.
func (s *Store) SaveWatermark(points []int64) error {
	return retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		for origin, p := range points {
			if _, err := tx.Exec(
				`INSERT INTO watermark (origin, point) VALUES (?, ?)
				 ON CONFLICT(origin) DO UPDATE SET point = MAX(point, excluded.point)`,
				origin, p,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// LoadWatermark returns the stored points for n origins (zero where unset).
func (s *Store) LoadWatermark(n int) ([]int64, error) {
	points := make([]int64, n)
	rows, err := s.db.Query(`SELECT origin, point FROM watermark`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var origin int
		var p int64
		if err := rows.Scan(&origin, &p); err != nil {
			return nil, err
		}
		if origin < 0 || origin >= n {
			return nil, fmt.Errorf("watermark origin %d outside %d replicas", origin, n)
		}
		points[origin] = p
	}
	return points, rows.Err()
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// Summary describes the stored checkpoint without loading it.
type Summary struct {
	Found         bool      `json:"found"`
	Replica       int       `json:"replica"`
	Replicas      int       `json:"replicas"`
	Taken         time.Time `json:"taken"`
	Entries       int64     `json:"entries"`
	Users         int64     `json:"users"`
	PendingRead   int64     `json:"pending_read"`
	PendingDelete int64     `json:"pending_delete"`
	Deleted       int64     `json:"deleted"`
}

// Summarize counts what the stored checkpoint holds.
func (s *Store) Summarize() (Summary, error) {
	var sum Summary
	var takenStr string
	err := s.db.QueryRow(`SELECT replica, replicas, taken_at FROM checkpoint_meta WHERE id = 1`).
		Scan(&sum.Replica, &sum.Replicas, &takenStr)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, nil
	}
	if err != nil {
		return sum, err
	}
	sum.Found = true
	if sum.Taken, err = time.Parse(time.RFC3339Nano, takenStr); err != nil {
		return sum, fmt.Errorf("parse taken_at: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*), COUNT(DISTINCT recipient) FROM inbox`).
		Scan(&sum.Entries, &sum.Users); err != nil {
		return sum, err
	}
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM pending GROUP BY kind`)
	if err != nil {
		return sum, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return sum, err
		}
		switch kind {
		case pendingRead:
			sum.PendingRead = count
		case pendingDelete:
			sum.PendingDelete = count
		case deleted:
			sum.Deleted = count
		}
	}
	return sum, rows.Err()
}
