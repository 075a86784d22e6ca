package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises concurrent Append calls across monitor
// instances sharing a database. The value is arbitrary but must be
// consistent everywhere.
const advisoryLockKey = int64(7_420_118_211)

// PostgresJournal persists the hash-chained action log to PostgreSQL.
// It implements the Journal interface.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresJournal backed by the given connection
// pool. The action_journal table is expected to exist and hold at
// least the genesis row.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresJournal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresJournal{pool: pool, logger: logger}
}

// Append implements Journal. It acquires a PostgreSQL advisory lock,
// reads the chain tail, computes the new entry hash, and inserts it,
// all within a single transaction.
func (j *PostgresJournal) Append(ctx context.Context, subject, action, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	dataHash := sha256Sum(payloadJSON)

	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// The transaction-scoped advisory lock is released automatically on
	// commit or rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM action_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}

	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Action:    action,
		Actor:     actor,
		DataHash:  dataHash,
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO action_journal (idx, timestamp, subject, action, actor, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.Subject,
		entry.Action, entry.Actor, entry.DataHash,
		entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit journal tx: %w", err)
	}

	j.logger.Debug("journal entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("subject", entry.Subject),
	)
	return entry, nil
}

// Get implements Journal.
func (j *PostgresJournal) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	if err := j.pool.QueryRow(ctx,
		`SELECT idx, timestamp, subject, action, actor, data_hash, prev_hash, hash
		 FROM action_journal WHERE idx = $1`, index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.Subject,
		&entry.Action, &entry.Actor, &entry.DataHash,
		&entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get journal entry %d: %w", index, err)
	}
	return entry, nil
}

// Len implements Journal.
func (j *PostgresJournal) Len(ctx context.Context) (int, error) {
	var n int
	if err := j.pool.QueryRow(ctx, "SELECT COUNT(*) FROM action_journal").Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}

// Verify implements Journal. It streams all rows ordered by idx and
// validates the hash chain. O(n) in journal length.
func (j *PostgresJournal) Verify(ctx context.Context) error {
	rows, err := j.pool.Query(ctx,
		`SELECT idx, timestamp, subject, action, actor, data_hash, prev_hash, hash
		 FROM action_journal ORDER BY idx ASC`,
	)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr := &Entry{}
		if err := rows.Scan(
			&curr.Index, &curr.Timestamp, &curr.Subject,
			&curr.Action, &curr.Actor, &curr.DataHash,
			&curr.PrevHash, &curr.Hash,
		); err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}

		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}

		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Journal.
func (j *PostgresJournal) Root(ctx context.Context) (string, error) {
	var hash string
	if err := j.pool.QueryRow(ctx,
		"SELECT hash FROM action_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get journal root: %w", err)
	}
	return hash, nil
}
