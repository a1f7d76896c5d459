// Package blobstore keeps rendered label images for execution tasks. It
// defines the Store interface, an in-memory implementation for tests and
// development, a PostgreSQL implementation and an Echo download handler.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("blob exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingRecord      = errors.New("record reference is required")
)

// MaxBlobSize bounds a single label image (2 MB).
const MaxBlobSize = 2 * 1024 * 1024

// AllowedContentTypes lists image types a label renderer may return.
var AllowedContentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/bmp":       true,
	"application/pdf": true,
}

// Metadata describes a stored blob and the record it belongs to.
type Metadata struct {
	ID          uuid.UUID `json:"id"`
	TableName   string    `json:"table_name"`
	RecordID    uuid.UUID `json:"record_id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract for blob storage backends.
type Store interface {
	Put(ctx context.Context, meta Metadata, data []byte) (*Metadata, error)
	Get(ctx context.Context, id uuid.UUID) ([]byte, *Metadata, error)
	ListByRecord(ctx context.Context, tableName string, recordID uuid.UUID) ([]*Metadata, error)
}

// prepare validates meta and fills the derived fields.
func prepare(meta Metadata, data []byte) (Metadata, error) {
	if meta.TableName == "" || meta.RecordID == uuid.Nil {
		return meta, ErrMissingRecord
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, ErrInvalidContentType
	}
	if len(data) > MaxBlobSize {
		return meta, ErrFileTooLarge
	}
	h := sha256.Sum256(data)
	meta.ID = uuid.New()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	return meta, nil
}

type storedBlob struct {
	metadata Metadata
	content  []byte
}

// InMemoryStore is a thread-safe, in-memory Store for testing/dev.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[uuid.UUID]*storedBlob
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[uuid.UUID]*storedBlob)}
}

func (s *InMemoryStore) Put(_ context.Context, meta Metadata, data []byte) (*Metadata, error) {
	meta, err := prepare(meta, data)
	if err != nil {
		return nil, err
	}
	content := append([]byte(nil), data...)

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{metadata: meta, content: content}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) ([]byte, *Metadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return append([]byte(nil), blob.content...), &meta, nil
}

func (s *InMemoryStore) ListByRecord(_ context.Context, tableName string, recordID uuid.UUID) ([]*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Metadata
	for _, b := range s.blobs {
		if b.metadata.TableName == tableName && b.metadata.RecordID == recordID {
			m := b.metadata
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Handler serves stored blobs over HTTP.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/labels/:id", h.handleDownload)
}

func (h *Handler) handleDownload(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	data, meta, err := h.store.Get(c.Request().Context(), id)
	if errors.Is(err, ErrBlobNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "label not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("ETag", `"`+meta.Hash+`"`)
	return c.Blob(http.StatusOK, meta.ContentType, data)
}
