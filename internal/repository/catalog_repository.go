package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// CatalogRepository resolves product and category names for offer commentary
type CatalogRepository struct {
	// DB-only repository - no cache dependencies
}

// NewCatalogRepository creates a new catalog repository
func NewCatalogRepository() *CatalogRepository {
	return &CatalogRepository{}
}

// ProductName returns the product name, or "" when the product is unknown
func (r *CatalogRepository) ProductName(ctx context.Context, db DBExecutor, productID int64) (string, error) {
	var name string
	err := db.GetContext(ctx, &name, `SELECT name FROM products WHERE id = $1`, productID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up product name: %w", err)
	}
	return name, nil
}

// CategoryName returns the category name, or "" when the category is unknown
func (r *CatalogRepository) CategoryName(ctx context.Context, db DBExecutor, categoryID int64) (string, error) {
	var name string
	err := db.GetContext(ctx, &name, `SELECT name FROM categories WHERE id = $1`, categoryID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up category name: %w", err)
	}
	return name, nil
}
