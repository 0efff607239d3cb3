// Package version maintains the append-only audit history of case
// documents: one immutable entry per accepted commit, recorded in the
// same transaction as the document's version bump so the sequence stays
// strictly increasing and gapless.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseflow/caseflow/internal/platform/db"
)

// ErrVersionNotFound is returned when a requested version does not exist.
var ErrVersionNotFound = errors.New("version not found")

// ErrDuplicateVersion is returned when an entry for an already recorded
// (case_id, version) pair is appended.
var ErrDuplicateVersion = errors.New("version already recorded")

// ChangeType classifies a history entry.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeRevert = "revert"
)

// Entry represents a single accepted change to a case document.
type Entry struct {
	ID         string          `json:"id"`
	CaseID     uuid.UUID       `json:"case_id"`
	Version    int64           `json:"version"`
	Section    string          `json:"section"`
	ChangeType string          `json:"change_type"`
	ActorID    string          `json:"actor_id"`
	ActorName  string          `json:"actor_name"`
	Snapshot   json.RawMessage `json:"snapshot"` // full sections map at this version
	Diff       []DiffEntry     `json:"diff"`
	CreatedAt  time.Time       `json:"created_at"`
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// HistoryRepository provides access to the case_history table.
type HistoryRepository struct {
	pool *pgxpool.Pool
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(pool *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{pool: pool}
}

func (r *HistoryRepository) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// SaveEntry appends a history entry. The unique (case_id, version)
// constraint rejects any attempt to record the same version twice.
func (r *HistoryRepository) SaveEntry(ctx context.Context, e *Entry) error {
	diffData, err := json.Marshal(e.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO case_history (id, case_id, version, section, change_type, actor_id, actor_name, snapshot, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`,
		uuid.New().String(), e.CaseID, e.Version, e.Section, e.ChangeType,
		e.ActorID, e.ActorName, e.Snapshot, diffData)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("save history entry: %w", err)
	}
	return nil
}

const entryCols = `id, case_id, version, section, change_type, actor_id, actor_name, snapshot, diff, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var diffData []byte
	err := row.Scan(&e.ID, &e.CaseID, &e.Version, &e.Section, &e.ChangeType,
		&e.ActorID, &e.ActorName, &e.Snapshot, &diffData, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(diffData) > 0 {
		if err := json.Unmarshal(diffData, &e.Diff); err != nil {
			return nil, fmt.Errorf("unmarshal diff: %w", err)
		}
	}
	return &e, nil
}

// GetVersion retrieves a specific version of a case from history.
func (r *HistoryRepository) GetVersion(ctx context.Context, caseID uuid.UUID, version int64) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT `+entryCols+` FROM case_history
		WHERE case_id = $1 AND version = $2`, caseID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history version: %w", err)
	}
	return e, nil
}

// ListVersions retrieves history entries for a case, newest first.
func (r *HistoryRepository) ListVersions(ctx context.Context, caseID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM case_history WHERE case_id = $1`, caseID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history versions: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM case_history
		WHERE case_id = $1
		ORDER BY version DESC
		LIMIT $2 OFFSET $3`, caseID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list history versions: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}

// SectionsChangedBetween returns the set of section names touched by
// accepted commits with from < version <= to.
func (r *HistoryRepository) SectionsChangedBetween(ctx context.Context, caseID uuid.UUID, from, to int64) (map[string]bool, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT section FROM case_history
		WHERE case_id = $1 AND version > $2 AND version <= $3`, caseID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list changed sections: %w", err)
	}
	defer rows.Close()

	sections := make(map[string]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		sections[s] = true
	}
	return sections, nil
}
