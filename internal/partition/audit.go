package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/google/uuid"
)

var auditColumns = []string{
	"id", "tenant_id", "seq", "actor_id", "action", "resource_type", "resource_id",
	"result", "ts", "detail", "this_hash", "previous_hash",
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	var r models.AuditRecord
	var id, result, detail string
	var ts int64
	err := row.Scan(
		&id, &r.TenantID, &r.Seq, &r.ActorID, &r.Action, &r.ResourceType, &r.ResourceID,
		&result, &ts, &detail, &r.ThisHash, &r.PreviousHash,
	)
	if err != nil {
		return nil, err
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse audit record id: %w", err)
	}
	r.Result = models.AuditResult(result)
	r.Timestamp = fromMicros(ts)
	if detail != "" && detail != "{}" {
		if err := json.Unmarshal([]byte(detail), &r.Detail); err != nil {
			return nil, fmt.Errorf("parse audit record detail: %w", err)
		}
	}
	return &r, nil
}

func (h *sqlHandle) latestAuditRecord(ctx context.Context, q querier) (*models.AuditRecord, error) {
	query, args, err := h.d.builder.
		Select(auditColumns...).
		From("audit_records").
		Where(sq.Eq{"tenant_id": h.tenantID}).
		OrderBy("seq DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build latest audit record query: %w", err)
	}

	r, err := scanAuditRecord(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest audit record: %w", err)
	}
	return r, nil
}

// LatestAuditRecord returns the head of the chain, or nil for an empty chain.
func (h *sqlHandle) LatestAuditRecord(ctx context.Context) (*models.AuditRecord, error) {
	return h.latestAuditRecord(ctx, h.db)
}

func (h *sqlHandle) AppendAuditRecord(ctx context.Context, build func(prev *models.AuditRecord) (*models.AuditRecord, error)) (*models.AuditRecord, error) {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if h.d.chainLock != "" {
		if _, err := tx.ExecContext(ctx, h.d.chainLock); err != nil {
			return nil, fmt.Errorf("lock audit chain: %w", err)
		}
	}

	prev, err := h.latestAuditRecord(ctx, tx)
	if err != nil {
		return nil, err
	}

	rec, err := build(prev)
	if err != nil {
		return nil, err
	}
	if rec.TenantID != h.tenantID {
		return nil, fmt.Errorf("audit record for tenant %q written to partition of %q", rec.TenantID, h.tenantID)
	}

	detail := []byte("{}")
	if len(rec.Detail) > 0 {
		if detail, err = json.Marshal(rec.Detail); err != nil {
			return nil, fmt.Errorf("encode audit record detail: %w", err)
		}
	}

	query, args, err := h.d.builder.
		Insert("audit_records").
		Columns(auditColumns...).
		Values(
			rec.ID.String(), rec.TenantID, rec.Seq, rec.ActorID, rec.Action, rec.ResourceType, rec.ResourceID,
			string(rec.Result), micros(rec.Timestamp), string(detail), rec.ThisHash, rec.PreviousHash,
		).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert audit record query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return rec, nil
}

func (h *sqlHandle) auditConditions(filter models.AuditFilter) sq.And {
	cond := sq.And{sq.Eq{"tenant_id": h.tenantID}}
	if filter.Action != "" {
		cond = append(cond, sq.Eq{"action": filter.Action})
	}
	if filter.ActorID != "" {
		cond = append(cond, sq.Eq{"actor_id": filter.ActorID})
	}
	if filter.ResourceType != "" {
		cond = append(cond, sq.Eq{"resource_type": filter.ResourceType})
	}
	if filter.ResourceID != "" {
		cond = append(cond, sq.Eq{"resource_id": filter.ResourceID})
	}
	if filter.Start != nil {
		cond = append(cond, sq.GtOrEq{"ts": micros(*filter.Start)})
	}
	if filter.End != nil {
		cond = append(cond, sq.LtOrEq{"ts": micros(*filter.End)})
	}
	return cond
}

// ListAuditRecords returns the matching records, newest first, along with the
// total number of matches ignoring limit and offset.
func (h *sqlHandle) ListAuditRecords(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, int64, error) {
	cond := h.auditConditions(filter)

	countQuery, countArgs, err := h.d.builder.Select("COUNT(*)").From("audit_records").Where(cond).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count audit records query: %w", err)
	}
	var total int64
	if err := h.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	q := h.d.builder.
		Select(auditColumns...).
		From("audit_records").
		Where(cond).
		OrderBy("seq DESC")
	switch {
	case filter.Limit > 0:
		q = q.Limit(uint64(filter.Limit))
	case filter.Offset > 0:
		// SQLite rejects OFFSET without LIMIT.
		q = q.Limit(math.MaxInt32)
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list audit records query: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		r, err := scanAuditRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, total, nil
}

func (h *sqlHandle) WalkAuditRecords(ctx context.Context, to time.Time, fn func(*models.AuditRecord) error) error {
	q := h.d.builder.
		Select(auditColumns...).
		From("audit_records").
		Where(sq.Eq{"tenant_id": h.tenantID})
	if !to.IsZero() {
		q = q.Where(sq.LtOrEq{"ts": micros(to)})
	}
	query, args, err := q.OrderBy("seq").ToSql()
	if err != nil {
		return fmt.Errorf("build walk audit records query: %w", err)
	}

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("walk audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanAuditRecord(rows)
		if err != nil {
			return fmt.Errorf("scan audit record: %w", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit records: %w", err)
	}
	return nil
}
