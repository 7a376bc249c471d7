package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TextSearchConfig is the Postgres text search configuration used for both
// the stored vector and the query.
const TextSearchConfig = "english"

// PostgresBackend stores documents in entity_search with a GIN-indexed tsvector.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) Put(ctx context.Context, doc Document) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO entity_search (patient_id, unique_id, position, entity_type, category, text, score, search_vector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, to_tsvector($8::regconfig, $6))
		ON CONFLICT (patient_id, position) DO UPDATE SET
			unique_id = EXCLUDED.unique_id,
			entity_type = EXCLUDED.entity_type,
			category = EXCLUDED.category,
			text = EXCLUDED.text,
			score = EXCLUDED.score,
			search_vector = EXCLUDED.search_vector,
			indexed_at = NOW()`,
		doc.PatientID, doc.UniqueID, doc.Position, doc.Type, doc.Category, doc.Text, doc.Score, TextSearchConfig,
	)
	if err != nil {
		return fmt.Errorf("index entity %d of %s: %w", doc.Position, doc.PatientID, err)
	}
	return nil
}

func (b *PostgresBackend) DeletePatient(ctx context.Context, patientID uuid.UUID) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM entity_search WHERE patient_id = $1`, patientID); err != nil {
		return fmt.Errorf("remove index entries of %s: %w", patientID, err)
	}
	return nil
}

// Search ranks matches with ts_rank and highlights them with ts_headline.
// The query accepts web search syntax: quoted phrases, OR, and -exclusion.
func (b *PostgresBackend) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := b.pool.Query(ctx, `
		SELECT s.patient_id, s.unique_id, s.position, s.entity_type, s.category, s.text,
			ts_rank(s.search_vector, q) AS rank,
			ts_headline($1::regconfig, s.text, q, 'StartSel=<b>, StopSel=</b>, MaxFragments=1')
		FROM entity_search s, websearch_to_tsquery($1::regconfig, $2) q
		WHERE s.search_vector @@ q
		ORDER BY rank DESC, s.unique_id, s.position
		LIMIT $3`,
		TextSearchConfig, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float32
		if err := rows.Scan(&h.PatientID, &h.UniqueID, &h.Position, &h.Type, &h.Category, &h.Text, &rank, &h.Headline); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		h.Rank = float64(rank)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
