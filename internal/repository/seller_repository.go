package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/popeskul/listing-intake/internal/models"
)

type sellerRepository struct {
	db *sqlx.DB
}

func NewSellerRepository(db *sqlx.DB) SellerRepository {
	return &sellerRepository{
		db: db,
	}
}

// FindByEmail looks a seller up by email, case-insensitively.
func (r *sellerRepository) FindByEmail(ctx context.Context, email string) (*models.Seller, error) {
	query := `
		SELECT id, email, name, created_at
		FROM sellers
		WHERE LOWER(email) = $1
	`

	var seller models.Seller
	if err := r.db.GetContext(ctx, &seller, query, strings.ToLower(strings.TrimSpace(email))); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find seller: %w", err)
	}

	return &seller, nil
}
