package patient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patient (
	id            TEXT PRIMARY KEY,
	unique_id     TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	date_of_birth TEXT,
	gender        TEXT,
	conditions    TEXT NOT NULL DEFAULT '[]',
	medications   TEXT NOT NULL DEFAULT '[]',
	test_results  TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS patient_entity (
	patient_id   TEXT NOT NULL REFERENCES patient(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	entity_type  TEXT NOT NULL,
	category     TEXT NOT NULL,
	text         TEXT NOT NULL,
	score        REAL NOT NULL,
	begin_offset INTEGER,
	end_offset   INTEGER,
	attributes   TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (patient_id, position)
);
CREATE TABLE IF NOT EXISTS review_batch (
	id             TEXT PRIMARY KEY,
	reason         TEXT NOT NULL,
	missing_fields TEXT NOT NULL DEFAULT '[]',
	source_text    TEXT NOT NULL DEFAULT '',
	entities       TEXT NOT NULL DEFAULT '[]',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_batch_created_at ON review_batch (created_at);
`

type sqliteTxKey struct{}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store and ReviewStore on a single SQLite file. The
// pool is limited to one connection so transactions serialize writers.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (creating when needed) the database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "intake.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) conn(ctx context.Context) sqlConn {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) (retErr error) {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// sqliteTimeLayout is fixed width so stored timestamps sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(sqliteTimeLayout, s) }

func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	conditions, medications, tests, err := marshalDerived(rec)
	if err != nil {
		return uuid.Nil, err
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var dob sql.NullString
	if rec.DateOfBirth != nil {
		dob = sql.NullString{String: rec.DateOfBirth.Format(DateLayout), Valid: true}
	}
	var gender sql.NullString
	if rec.Gender != nil {
		gender = sql.NullString{String: *rec.Gender, Valid: true}
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO patient (id, unique_id, name, date_of_birth, gender, conditions, medications, test_results, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			unique_id = excluded.unique_id,
			name = excluded.name,
			date_of_birth = excluded.date_of_birth,
			gender = excluded.gender,
			conditions = excluded.conditions,
			medications = excluded.medications,
			test_results = excluded.test_results,
			updated_at = excluded.updated_at`,
		rec.ID.String(), rec.UniqueID, rec.Name, dob, gender,
		string(conditions), string(medications), string(tests),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return uuid.Nil, fmt.Errorf("unique_id %q already assigned to another record: %w", rec.UniqueID, err)
		}
		return uuid.Nil, err
	}
	// created_at is kept on conflict; read back the stored value.
	var created string
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT created_at FROM patient WHERE id = ?`, rec.ID.String()).Scan(&created); err != nil {
		return uuid.Nil, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

func (s *SQLiteStore) ReplaceEntities(ctx context.Context, id uuid.UUID, entities []extraction.Entity) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		c := s.conn(ctx)
		res, err := c.ExecContext(ctx, `UPDATE patient SET updated_at = ? WHERE id = ?`, formatTime(s.now()), id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := c.ExecContext(ctx, `DELETE FROM patient_entity WHERE patient_id = ?`, id.String()); err != nil {
			return err
		}
		for i, e := range entities {
			attrs, err := json.Marshal(e.Normalized().Attributes)
			if err != nil {
				return fmt.Errorf("encode attributes of entity %d: %w", i, err)
			}
			_, err = c.ExecContext(ctx, `
				INSERT INTO patient_entity (patient_id, position, entity_type, category, text, score, begin_offset, end_offset, attributes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id.String(), i, e.Type, e.Category, e.Text, e.Score, nullInt(e.BeginOffset), nullInt(e.EndOffset), string(attrs),
			)
			if err != nil {
				return fmt.Errorf("insert entity %d: %w", i, err)
			}
		}
		return nil
	})
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

const sqliteRecordCols = `id, unique_id, name, date_of_birth, gender, conditions, medications, test_results, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*Record, error) {
	var rec Record
	var id, conditions, medications, tests, created, updated string
	var dob, gender sql.NullString
	if err := row.Scan(&id, &rec.UniqueID, &rec.Name, &dob, &gender, &conditions, &medications, &tests, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	if dob.Valid {
		t, err := time.Parse(DateLayout, dob.String)
		if err != nil {
			return nil, fmt.Errorf("parse stored date of birth: %w", err)
		}
		rec.DateOfBirth = &t
	}
	if gender.Valid {
		rec.Gender = strPtr(gender.String)
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if err := unmarshalDerived(&rec, []byte(conditions), []byte(medications), []byte(tests)); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.getWhere(ctx, `id = ?`, id.String())
}

func (s *SQLiteStore) GetByUniqueID(ctx context.Context, uniqueID string) (*Record, error) {
	return s.getWhere(ctx, `unique_id = ?`, uniqueID)
}

func (s *SQLiteStore) getWhere(ctx context.Context, where string, arg any) (*Record, error) {
	rec, err := scanSQLiteRecord(s.conn(ctx).QueryRowContext(ctx, `SELECT `+sqliteRecordCols+` FROM patient WHERE `+where, arg))
	if err != nil {
		return nil, err
	}

	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT entity_type, category, text, score, begin_offset, end_offset, attributes
		FROM patient_entity WHERE patient_id = ? ORDER BY position`, rec.ID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rec.Entities = []extraction.Entity{}
	for rows.Next() {
		var e extraction.Entity
		var begin, end sql.NullInt64
		var attrs string
		if err := rows.Scan(&e.Type, &e.Category, &e.Text, &e.Score, &begin, &end, &attrs); err != nil {
			return nil, err
		}
		if begin.Valid {
			v := int(begin.Int64)
			e.BeginOffset = &v
		}
		if end.Valid {
			v := int(end.Int64)
			e.EndOffset = &v
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		rec.Entities = append(rec.Entities, e.Normalized())
	}
	return rec, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+sqliteRecordCols+` FROM patient ORDER BY created_at DESC, unique_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		c := s.conn(ctx)
		if _, err := c.ExecContext(ctx, `DELETE FROM patient_entity WHERE patient_id = ?`, id.String()); err != nil {
			return err
		}
		res, err := c.ExecContext(ctx, `DELETE FROM patient WHERE id = ?`, id.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// -- Review batches --

func (s *SQLiteStore) Hold(ctx context.Context, b *ReviewBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	missing, err := json.Marshal(nonNilStrings(b.MissingFields))
	if err != nil {
		return err
	}
	entities, err := json.Marshal(cloneEntities(b.Entities))
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO review_batch (id, reason, missing_fields, source_text, entities, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.Reason, string(missing), b.Text, string(entities), formatTime(b.CreatedAt),
	)
	return err
}

const sqliteBatchCols = `id, reason, missing_fields, source_text, entities, created_at`

func scanSQLiteBatch(row rowScanner) (*ReviewBatch, error) {
	var b ReviewBatch
	var id, missing, entities, created string
	if err := row.Scan(&id, &b.Reason, &missing, &b.Text, &entities, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReviewBatchNotFound
		}
		return nil, err
	}
	var err error
	if b.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse batch id: %w", err)
	}
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if err := decodeBatch(&b, []byte(missing), []byte(entities)); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) GetHeld(ctx context.Context, id uuid.UUID) (*ReviewBatch, error) {
	return scanSQLiteBatch(s.conn(ctx).QueryRowContext(ctx, `SELECT `+sqliteBatchCols+` FROM review_batch WHERE id = ?`, id.String()))
}

func (s *SQLiteStore) ListHeld(ctx context.Context, limit, offset int) ([]*ReviewBatch, int, error) {
	var total int
	if err := s.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM review_batch`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+sqliteBatchCols+` FROM review_batch ORDER BY created_at, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var batches []*ReviewBatch
	for rows.Next() {
		b, err := scanSQLiteBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	return batches, total, rows.Err()
}

func (s *SQLiteStore) Release(ctx context.Context, id uuid.UUID) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM review_batch WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReviewBatchNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM review_batch WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
