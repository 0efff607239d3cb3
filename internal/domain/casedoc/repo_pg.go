package casedoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caseflow/caseflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the pgx-backed case document repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const caseCols = `id, patient_id, title, status, priority, assignee_id, version, sections, created_at, last_modified_at`

func scanCase(row pgx.Row) (*CaseDocument, error) {
	var d CaseDocument
	var sections []byte
	err := row.Scan(&d.ID, &d.PatientID, &d.Title, &d.Status, &d.Priority,
		&d.AssigneeID, &d.Version, &sections, &d.CreatedAt, &d.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	if len(sections) > 0 {
		if err := json.Unmarshal(sections, &d.Sections); err != nil {
			return nil, fmt.Errorf("unmarshal sections: %w", err)
		}
	}
	if d.Sections == nil {
		d.Sections = make(map[string]map[string]interface{})
	}
	return &d, nil
}

func (r *repoPG) Create(ctx context.Context, d *CaseDocument) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Version = 1

	sections, err := json.Marshal(d.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO cases (id, patient_id, title, status, priority, assignee_id, version, sections, created_at, last_modified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())`,
		d.ID, d.PatientID, d.Title, d.Status, d.Priority, d.AssigneeID, d.Version, sections)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*CaseDocument, error) {
	d, err := scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM cases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	return d, nil
}

func (r *repoPG) UpdateVersioned(ctx context.Context, d *CaseDocument, baseVersion int64) (bool, error) {
	sections, err := json.Marshal(d.Sections)
	if err != nil {
		return false, fmt.Errorf("marshal sections: %w", err)
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cases
		SET title=$2, status=$3, priority=$4, assignee_id=$5, sections=$6,
			version=$7, last_modified_at=NOW()
		WHERE id = $1 AND version = $8`,
		d.ID, d.Title, d.Status, d.Priority, d.AssigneeID, sections,
		baseVersion+1, baseVersion)
	if err != nil {
		return false, fmt.Errorf("update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	d.Version = baseVersion + 1
	return true, nil
}

func (r *repoPG) List(ctx context.Context, status string, limit, offset int) ([]*CaseDocument, int, error) {
	where := ``
	args := []interface{}{limit, offset}
	if status != "" {
		where = `WHERE status = $3`
		args = append(args, status)
	}

	var total int
	countSQL := `SELECT COUNT(*) FROM cases`
	if status != "" {
		countSQL += ` WHERE status = $1`
		if err := r.conn(ctx).QueryRow(ctx, countSQL, status).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count cases: %w", err)
		}
	} else {
		if err := r.conn(ctx).QueryRow(ctx, countSQL).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count cases: %w", err)
		}
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+caseCols+` FROM cases `+where+`
		ORDER BY last_modified_at DESC
		LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var items []*CaseDocument
	for rows.Next() {
		d, err := scanCase(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan case: %w", err)
		}
		items = append(items, d)
	}
	return items, total, nil
}
