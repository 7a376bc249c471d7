package patient

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

	"github.com/NdodaEnde/Hospital-Platform/internal/domain/extraction"
	"github.com/NdodaEnde/Hospital-Platform/internal/platform/db"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a Store and ReviewStore backed by the patient,
// patient_entity and review_batch tables.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, s.pool)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const recordCols = `id, unique_id, name, date_of_birth, gender, conditions, medications, test_results, created_at, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	conditions, medications, tests, err := marshalDerived(rec)
	if err != nil {
		return uuid.Nil, err
	}
	var createdAt *time.Time
	if !rec.CreatedAt.IsZero() {
		createdAt = &rec.CreatedAt
	}

	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, unique_id, name, date_of_birth, gender, conditions, medications, test_results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			unique_id = EXCLUDED.unique_id,
			name = EXCLUDED.name,
			date_of_birth = EXCLUDED.date_of_birth,
			gender = EXCLUDED.gender,
			conditions = EXCLUDED.conditions,
			medications = EXCLUDED.medications,
			test_results = EXCLUDED.test_results,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		rec.ID, rec.UniqueID, rec.Name, rec.DateOfBirth, rec.Gender, conditions, medications, tests, createdAt,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return uuid.Nil, fmt.Errorf("unique_id %q already assigned to another record: %w", rec.UniqueID, err)
		}
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// ReplaceEntities deletes the record's entity rows and inserts the new
// sequence in order, inside the caller's transaction or a new one.
func (s *PostgresStore) ReplaceEntities(ctx context.Context, id uuid.UUID, entities []extraction.Entity) error {
	return db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)

		tag, err := tx.Exec(ctx, `UPDATE patient SET updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM patient_entity WHERE patient_id = $1`, id); err != nil {
			return err
		}
		if len(entities) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, e := range entities {
			attrs, err := json.Marshal(e.Normalized().Attributes)
			if err != nil {
				return fmt.Errorf("encode attributes of entity %d: %w", i, err)
			}
			batch.Queue(`
				INSERT INTO patient_entity (patient_id, position, entity_type, category, text, score, begin_offset, end_offset, attributes)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				id, i, e.Type, e.Category, e.Text, e.Score, e.BeginOffset, e.EndOffset, attrs,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range entities {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert entity %d: %w", i, err)
			}
		}
		return br.Close()
	})
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if rec.Entities, err = s.loadEntities(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) GetByUniqueID(ctx context.Context, uniqueID string) (*Record, error) {
	rec, err := scanRecord(s.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM patient WHERE unique_id = $1`, uniqueID))
	if err != nil {
		return nil, err
	}
	if rec.Entities, err = s.loadEntities(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) loadEntities(ctx context.Context, id uuid.UUID) ([]extraction.Entity, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT entity_type, category, text, score, begin_offset, end_offset, attributes
		FROM patient_entity WHERE patient_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := []extraction.Entity{}
	for rows.Next() {
		var e extraction.Entity
		var attrs []byte
		if err := rows.Scan(&e.Type, &e.Category, &e.Text, &e.Score, &e.BeginOffset, &e.EndOffset, &attrs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		entities = append(entities, e.Normalized())
	}
	return entities, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM patient ORDER BY created_at DESC, unique_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var conditions, medications, tests []byte
	err := row.Scan(&rec.ID, &rec.UniqueID, &rec.Name, &rec.DateOfBirth, &rec.Gender,
		&conditions, &medications, &tests, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalDerived(&rec, conditions, medications, tests); err != nil {
		return nil, err
	}
	return &rec, nil
}

// -- Review batches --

func (s *PostgresStore) Hold(ctx context.Context, b *ReviewBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	missing, err := json.Marshal(nonNilStrings(b.MissingFields))
	if err != nil {
		return err
	}
	entities, err := json.Marshal(cloneEntities(b.Entities))
	if err != nil {
		return err
	}
	var createdAt *time.Time
	if !b.CreatedAt.IsZero() {
		createdAt = &b.CreatedAt
	}
	return s.conn(ctx).QueryRow(ctx, `
		INSERT INTO review_batch (id, reason, missing_fields, source_text, entities, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING created_at`,
		b.ID, b.Reason, missing, b.Text, entities, createdAt,
	).Scan(&b.CreatedAt)
}

const batchCols = `id, reason, missing_fields, source_text, entities, created_at`

func (s *PostgresStore) GetHeld(ctx context.Context, id uuid.UUID) (*ReviewBatch, error) {
	return scanBatch(s.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM review_batch WHERE id = $1`, id))
}

func (s *PostgresStore) ListHeld(ctx context.Context, limit, offset int) ([]*ReviewBatch, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM review_batch`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+batchCols+` FROM review_batch ORDER BY created_at, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var batches []*ReviewBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		batches = append(batches, b)
	}
	return batches, total, rows.Err()
}

func (s *PostgresStore) Release(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM review_batch WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReviewBatchNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM review_batch WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanBatch(row pgx.Row) (*ReviewBatch, error) {
	var b ReviewBatch
	var missing, entities []byte
	if err := row.Scan(&b.ID, &b.Reason, &missing, &b.Text, &entities, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReviewBatchNotFound
		}
		return nil, err
	}
	if err := decodeBatch(&b, missing, entities); err != nil {
		return nil, err
	}
	return &b, nil
}
