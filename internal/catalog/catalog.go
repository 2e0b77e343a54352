// Package catalog reads the products and ad templates that generation jobs
// are built from. Writes belong to the catalog's own service.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/adgen-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Catalog resolves products and templates by id.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
}

// PostgresCatalog reads from the products and ad_templates tables.
type PostgresCatalog struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresCatalog creates a new PostgresCatalog instance
func NewPostgresCatalog(db *sqlx.DB, logger *slog.Logger) *PostgresCatalog {
	return &PostgresCatalog{db: db, logger: logger}
}

type productRow struct {
	ID          string `db:"id"`
	OwnerID     string `db:"owner_id"`
	Title       string `db:"title"`
	Description string `db:"description"`
	ProductType string `db:"product_type"`
	Vendor      string `db:"vendor"`
	Price       string `db:"price"`
	Currency    string `db:"currency"`
	Tags        []byte `db:"tags"`
	ImageURL    string `db:"image_url"`
}

type templateRow struct {
	ID             string         `db:"id"`
	OwnerID        sql.NullString `db:"owner_id"`
	Name           string         `db:"name"`
	PromptSkeleton string         `db:"prompt_skeleton"`
	Variables      []byte         `db:"variables"`
	Quality        string         `db:"quality"`
}

func (c *PostgresCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	query := `
		SELECT id, owner_id, title, description, product_type, vendor,
		       price, currency, tags, image_url
		FROM products
		WHERE id = $1
	`

	var row productRow
	if err := c.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	p := &domain.Product{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		Title:       row.Title,
		Description: row.Description,
		ProductType: row.ProductType,
		Vendor:      row.Vendor,
		Price:       row.Price,
		Currency:    row.Currency,
		ImageURL:    row.ImageURL,
	}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of product %s: %w", id, err)
		}
	}
	return p, nil
}

func (c *PostgresCatalog) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	query := `
		SELECT id, owner_id, name, prompt_skeleton, variables, quality
		FROM ad_templates
		WHERE id = $1
	`

	var row templateRow
	if err := c.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	t := &domain.Template{
		ID:             row.ID,
		OwnerID:        row.OwnerID.String,
		Name:           row.Name,
		PromptSkeleton: row.PromptSkeleton,
		Quality:        row.Quality,
	}
	if len(row.Variables) > 0 {
		if err := json.Unmarshal(row.Variables, &t.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables of template %s: %w", id, err)
		}
	}
	return t, nil
}

// MemoryCatalog is an in-process Catalog for tests and local runs.
type MemoryCatalog struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	templates map[string]domain.Template
}

// NewMemoryCatalog creates an empty MemoryCatalog
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		products:  make(map[string]domain.Product),
		templates: make(map[string]domain.Template),
	}
}

func (c *MemoryCatalog) PutProduct(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p.Clone()
}

func (c *MemoryCatalog) PutTemplate(t domain.Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = t.Clone()
}

func (c *MemoryCatalog) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[id]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	out := p.Clone()
	return &out, nil
}

func (c *MemoryCatalog) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.templates[id]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	out := t.Clone()
	return &out, nil
}

var (
	_ Catalog = (*PostgresCatalog)(nil)
	_ Catalog = (*MemoryCatalog)(nil)
)
