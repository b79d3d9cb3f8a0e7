// Package store persists lineage entries in SQLite and enforces the forest
// invariant: every non-root entry references a parent that already exists.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/soulfra/lineage/internal/domain"
	"github.com/soulfra/lineage/internal/hasher"
)

//go:embed schema.sql
var schema string

// Store handles database operations for the lineage chain.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and initializes the schema.
// Appends take an immediate transaction so the parent check and the insert
// are atomic with respect to concurrent producers; WAL keeps readers off the
// write lock.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append validates parentHash, computes the content hash, and persists a new
// entry. Re-submitting bytes that hash to an existing entry is an idempotent
// no-op returning the stored entry with created=false. Returns
// domain.ErrUnknownParent when parentHash is non-empty and absent from the
// store; nothing is persisted in that case.
func (s *Store) Append(payload []byte, parentHash string, createdAt time.Time) (entry *domain.Entry, created bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// The parent check comes first: a dangling reference is a dangling
	// reference whatever its shape, since a malformed hash can never name a
	// stored entry.
	if parentHash != "" {
		var one int
		err := tx.QueryRow("SELECT 1 FROM entries WHERE content_hash = ?", parentHash).Scan(&one)
		if err == sql.ErrNoRows {
			return nil, false, domain.ErrUnknownParent
		}
		if err != nil {
			return nil, false, fmt.Errorf("check parent: %w", err)
		}
	}

	contentHash, err := hasher.Compute(payload, parentHash, createdAt)
	if err != nil {
		return nil, false, err
	}

	// Idempotent duplicate: same payload, parent and timestamp already
	// committed. Return the stored row untouched.
	if existing, err := scanEntry(tx.QueryRow(selectCols+" WHERE content_hash = ?", contentHash)); err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit append: %w", err)
		}
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	res, err := tx.Exec(
		"INSERT INTO entries (content_hash, parent_hash, payload, created_at) VALUES (?, ?, ?, ?)",
		contentHash, nullable(parentHash), payload, createdAt.UTC().UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit append: %w", err)
	}

	return &domain.Entry{
		ID:          id,
		ContentHash: contentHash,
		ParentHash:  parentHash,
		Payload:     payload,
		CreatedAt:   createdAt.UTC(),
	}, true, nil
}

// Get retrieves an entry by content hash.
func (s *Store) Get(contentHash string) (*domain.Entry, error) {
	return scanEntry(s.db.QueryRow(selectCols+" WHERE content_hash = ?", contentHash))
}

// FindByPrefix resolves a hash prefix to its entry. Returns
// domain.ErrNotFound when nothing matches and an error when the prefix is
// ambiguous.
func (s *Store) FindByPrefix(prefix string) (*domain.Entry, error) {
	rows, err := s.db.Query(selectCols+" WHERE content_hash LIKE ? LIMIT 2", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("find by prefix: %w", err)
	}
	defer rows.Close()

	matches, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, domain.ErrNotFound
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous hash prefix %q", prefix)
	}
}

// Children returns the direct descendants of contentHash ordered by
// created_at, ties broken by id.
func (s *Store) Children(contentHash string) ([]domain.Entry, error) {
	rows, err := s.db.Query(
		selectCols+" WHERE parent_hash = ? ORDER BY created_at, id",
		contentHash,
	)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Roots returns all entries without a parent, ordered by created_at then id.
func (s *Store) Roots() ([]domain.Entry, error) {
	rows, err := s.db.Query(selectCols + " WHERE parent_hash IS NULL ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list roots: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Walk yields the entry at contentHash and every descendant, depth-first in
// pre-order, siblings in Children order. The sequence is lazy (children are
// fetched as the walk reaches them) and restartable: each range starts fresh
// from the named node. Iteration stops after yielding a non-nil error.
func (s *Store) Walk(contentHash string) iter.Seq2[domain.Entry, error] {
	return func(yield func(domain.Entry, error) bool) {
		start, err := s.Get(contentHash)
		if err != nil {
			yield(domain.Entry{}, err)
			return
		}

		stack := []domain.Entry{*start}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if !yield(cur, nil) {
				return
			}

			children, err := s.Children(cur.ContentHash)
			if err != nil {
				yield(domain.Entry{}, err)
				return
			}
			// Reverse push keeps sibling order on a LIFO stack.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
}

// All yields every entry in the store in insertion order. Unlike Walk it
// also reaches orphans whose parent was purged, which is what an integrity
// audit needs.
func (s *Store) All() iter.Seq2[domain.Entry, error] {
	return func(yield func(domain.Entry, error) bool) {
		rows, err := s.db.Query(selectCols + " ORDER BY id")
		if err != nil {
			yield(domain.Entry{}, fmt.Errorf("list entries: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanRow(rows)
			if err != nil {
				yield(domain.Entry{}, err)
				return
			}
			if !yield(*e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Entry{}, fmt.Errorf("list entries: %w", err))
		}
	}
}

// Count returns the number of stored entries.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// HasChildren reports whether any entry references contentHash as parent.
func (s *Store) HasChildren(contentHash string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM entries WHERE parent_hash = ? LIMIT 1", contentHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check children: %w", err)
	}
	return true, nil
}

// Purge removes an entry. Descendants keep their rows; verification reports
// them as broken rather than silently accepting the gap.
func (s *Store) Purge(contentHash string) error {
	res, err := s.db.Exec("DELETE FROM entries WHERE content_hash = ?", contentHash)
	if err != nil {
		return fmt.Errorf("purge entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("purge entry: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const selectCols = "SELECT id, content_hash, parent_hash, payload, created_at FROM entries"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(r rowScanner) (*domain.Entry, error) {
	var (
		e      domain.Entry
		parent sql.NullString
		nanos  int64
	)
	if err := r.Scan(&e.ID, &e.ContentHash, &parent, &e.Payload, &nanos); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.ParentHash = parent.String
	e.CreatedAt = time.Unix(0, nanos).UTC()
	return &e, nil
}

func scanEntry(row *sql.Row) (*domain.Entry, error) {
	return scanRow(row)
}

func collectEntries(rows *sql.Rows) ([]domain.Entry, error) {
	var entries []domain.Entry
	for rows.Next() {
		e, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
