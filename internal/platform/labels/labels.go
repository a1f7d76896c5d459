// Package labels talks to the external label/barcode rendering service and
// files the rendered image in the blob store.
package labels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careorders/internal/platform/blobstore"
)

// Renderer turns a record reference into a printable label image.
type Renderer interface {
	Render(ctx context.Context, tableName string, recordID uuid.UUID) (data []byte, contentType string, err error)
}

// HTTPRenderer calls GET {baseURL}/render?table=..&id=.. on the label service.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRenderer(baseURL string) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPRenderer) Render(ctx context.Context, tableName string, recordID uuid.UUID) ([]byte, string, error) {
	q := url.Values{}
	q.Set("table", tableName)
	q.Set("id", recordID.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/render?"+q.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build render request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("GET %s: %w", r.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("label service returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, blobstore.MaxBlobSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read label body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Printer renders a label and stores it, returning the blob id.
type Printer struct {
	renderer Renderer
	store    blobstore.Store
}

func NewPrinter(renderer Renderer, store blobstore.Store) *Printer {
	return &Printer{renderer: renderer, store: store}
}

func (p *Printer) Print(ctx context.Context, tableName string, recordID uuid.UUID) (uuid.UUID, error) {
	data, contentType, err := p.renderer.Render(ctx, tableName, recordID)
	if err != nil {
		return uuid.Nil, err
	}
	meta, err := p.store.Put(ctx, blobstore.Metadata{
		TableName:   tableName,
		RecordID:    recordID,
		ContentType: contentType,
	}, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store label: %w", err)
	}
	return meta.ID, nil
}
