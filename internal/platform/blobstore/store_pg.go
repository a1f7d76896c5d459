package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps blobs in the label_blob table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const blobCols = `id, table_name, record_id, content_type, size, hash, created_at`

func (s *PGStore) Put(ctx context.Context, meta Metadata, data []byte) (*Metadata, error) {
	meta, err := prepare(meta, data)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO label_blob (id, table_name, record_id, content_type, size, hash, created_at, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		meta.ID, meta.TableName, meta.RecordID, meta.ContentType, meta.Size, meta.Hash, meta.CreatedAt, data)
	if err != nil {
		return nil, fmt.Errorf("insert label_blob: %w", err)
	}
	return &meta, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) ([]byte, *Metadata, error) {
	var m Metadata
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT `+blobCols+`, content FROM label_blob WHERE id = $1`, id).
		Scan(&m.ID, &m.TableName, &m.RecordID, &m.ContentType, &m.Size, &m.Hash, &m.CreatedAt, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("select label_blob: %w", err)
	}
	return data, &m, nil
}

func (s *PGStore) ListByRecord(ctx context.Context, tableName string, recordID uuid.UUID) ([]*Metadata, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+blobCols+` FROM label_blob
		WHERE table_name = $1 AND record_id = $2 ORDER BY created_at`, tableName, recordID)
	if err != nil {
		return nil, fmt.Errorf("list label_blob: %w", err)
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		var m Metadata
		if err := rows.Scan(&m.ID, &m.TableName, &m.RecordID, &m.ContentType, &m.Size, &m.Hash, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
