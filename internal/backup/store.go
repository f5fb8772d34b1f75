package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads and writes whole tables as JSON-shaped rows.
type Store interface {
	ReadTable(ctx context.Context, table string, limit int) ([]Row, error)
	DeleteAll(ctx context.Context, table string) error
	InsertRows(ctx context.Context, table string, rows []Row) error
}

// sequenceResetter is implemented by stores whose tables own serial IDs that
// must follow explicitly inserted keys.
type sequenceResetter interface {
	ResetSequence(ctx context.Context, table string) error
}

// PGStore implements Store on PostgreSQL. Rows travel as jsonb so that every
// column type round-trips without per-table code.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ReadTable returns up to limit rows of table ordered by primary key, so the
// same data always exports in the same order.
func (s *PGStore) ReadTable(ctx context.Context, table string, limit int) ([]Row, error) {
	ident := pgx.Identifier{table}.Sanitize()
	keys, err := s.primaryKey(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", table, err)
	}
	rows, err := s.pool.Query(ctx, `SELECT to_jsonb(t) FROM `+ident+` t ORDER BY `+orderBy(keys)+` LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Row, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		row, err := decodeRow(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// primaryKey lists the primary key columns of the table named by the
// sanitized identifier ident, in key order.
func (s *PGStore) primaryKey(ctx context.Context, ident string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey::int2[], a.attnum)`, ident)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// orderBy builds an ORDER BY list over keys. Tables without a primary key
// fall back to ordering by the whole row.
func orderBy(keys []string) string {
	if len(keys) == 0 {
		return "to_jsonb(t)"
	}
	cols := make([]string, len(keys))
	for i, key := range keys {
		cols[i] = "t." + pgx.Identifier{key}.Sanitize()
	}
	return strings.Join(cols, ", ")
}

// DeleteAll removes every row of table.
func (s *PGStore) DeleteAll(ctx context.Context, table string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+pgx.Identifier{table}.Sanitize())
	return err
}

// InsertRows writes rows in a single statement. Columns missing from a row
// are stored as NULL.
func (s *PGStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode %s rows: %w", table, err)
	}
	ident := pgx.Identifier{table}.Sanitize()
	_, err = s.pool.Exec(ctx, `INSERT INTO `+ident+` SELECT * FROM jsonb_populate_recordset(NULL::`+ident+`, $1::jsonb)`, string(payload))
	return err
}

// ResetSequence moves the id sequence of table past the highest restored id.
// Tables without a serial id column are skipped.
func (s *PGStore) ResetSequence(ctx context.Context, table string) error {
	var seq *string
	err := s.pool.QueryRow(ctx, `SELECT pg_get_serial_sequence(c.table_name, c.column_name)
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1 AND c.column_name = 'id'`, table).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && seq == nil) {
		return nil
	}
	if err != nil {
		return err
	}
	ident := pgx.Identifier{table}.Sanitize()
	_, err = s.pool.Exec(ctx, `SELECT setval($1::regclass, COALESCE(MAX(id), 1), MAX(id) IS NOT NULL) FROM `+ident, *seq)
	return err
}

var _ Store = (*PGStore)(nil)
var _ sequenceResetter = (*PGStore)(nil)

func decodeRow(raw []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}
