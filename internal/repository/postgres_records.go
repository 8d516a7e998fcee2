package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"vms-registry/internal/domain"
)

// Per-kind tables share one column layout, so a single parameterized repo
// serves devices, stream proxies and media nodes. See scripts/schema.sql.
const (
	TableDevices       = "devices"
	TableStreamProxies = "stream_proxies"
	TableMediaNodes    = "media_nodes"
)

const pqUniqueViolation = "23505"

type PostgresRecords struct {
	db     *sql.DB
	table  string
	kind   string
	logger *zap.Logger
}

func NewPostgresRecords(db *sql.DB, table, kind string, logger *zap.Logger) *PostgresRecords {
	return &PostgresRecords{db: db, table: table, kind: kind, logger: logger}
}

const recordColumns = `
	record_id::text,
	natural_key,
	COALESCE(secondary_key, ''),
	status,
	CASE WHEN attributes IS NULL THEN NULL ELSE attributes::text END,
	COALESCE(last_seen, 'epoch'::timestamptz),
	created_at,
	updated_at`

func (r *PostgresRecords) FindBySurrogate(ctx context.Context, id string) (*domain.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM ` + r.table + ` WHERE record_id = $1`
	return r.queryOne(ctx, q, id)
}

func (r *PostgresRecords) FindByNatural(ctx context.Context, naturalKey string) (*domain.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM ` + r.table + ` WHERE natural_key = $1`
	return r.queryOne(ctx, q, naturalKey)
}

func (r *PostgresRecords) FindBySecondary(ctx context.Context, secondaryKey string) (*domain.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM ` + r.table + ` WHERE secondary_key = $1`
	return r.queryOne(ctx, q, secondaryKey)
}

func (r *PostgresRecords) queryOne(ctx context.Context, q string, arg any) (*domain.Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Kind = r.kind
	return rec, nil
}

func (r *PostgresRecords) Insert(ctx context.Context, rec *domain.Record) (string, error) {
	attrs, err := marshalAttrs(rec.Attributes)
	if err != nil {
		return "", err
	}

	q := `
		INSERT INTO ` + r.table + ` (natural_key, secondary_key, status, attributes, last_seen, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, 'epoch'::timestamptz), $6, $7)
		RETURNING record_id::text`

	var id string
	err = r.db.QueryRowContext(ctx, q,
		rec.NaturalKey,
		rec.SecondaryKey,
		string(rec.Status),
		attrs,
		rec.LastSeen.UTC(),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == pqUniqueViolation {
			return "", ErrDuplicateNaturalKey
		}
		return "", fmt.Errorf("insert into %s: %w", r.table, err)
	}
	return id, nil
}

func (r *PostgresRecords) Update(ctx context.Context, rec *domain.Record) error {
	attrs, err := marshalAttrs(rec.Attributes)
	if err != nil {
		return err
	}

	q := `
		UPDATE ` + r.table + `
		SET secondary_key = NULLIF($2, ''),
		    status = $3,
		    attributes = $4,
		    last_seen = NULLIF($5, 'epoch'::timestamptz),
		    updated_at = $6
		WHERE record_id = $1`

	res, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.SecondaryKey,
		string(rec.Status),
		attrs,
		rec.LastSeen.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", r.table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordVanished
	}
	return nil
}

func (r *PostgresRecords) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM `+r.table+` WHERE record_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", r.table, err)
	}
	return nil
}

func (r *PostgresRecords) List(ctx context.Context, filters ListFilters, page, size int) ([]*domain.Record, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	argN := 1

	if len(filters.Status) > 0 {
		where = append(where, fmt.Sprintf("status = ANY($%d)", argN))
		args = append(args, pq.Array(filters.Status))
		argN++
	}
	if kw := strings.TrimSpace(filters.SearchKeyword); kw != "" {
		where = append(where, fmt.Sprintf("natural_key ILIKE $%d", argN))
		args = append(args, "%"+kw+"%")
		argN++
	}

	queryCount := `SELECT COUNT(*) FROM ` + r.table + ` WHERE ` + strings.Join(where, " AND ")
	var total int
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	q := `SELECT ` + recordColumns + ` FROM ` + r.table +
		` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY natural_key` +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*domain.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		rec.Kind = r.kind
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.Record, error) {
	var rec domain.Record
	var status string
	var attrs sql.NullString
	var lastSeen time.Time

	if err := row.Scan(
		&rec.ID,
		&rec.NaturalKey,
		&rec.SecondaryKey,
		&status,
		&attrs,
		&lastSeen,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = domain.Status(status)
	if lastSeen.Unix() != 0 {
		rec.LastSeen = lastSeen
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &rec.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	return &rec, nil
}

func marshalAttrs(attrs map[string]string) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return raw, nil
}
