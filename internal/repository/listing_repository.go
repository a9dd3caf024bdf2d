package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/popeskul/listing-intake/internal/models"
)

type listingRepository struct {
	db *sqlx.DB
}

func NewListingRepository(db *sqlx.DB) ListingRepository {
	return &listingRepository{
		db: db,
	}
}

// Create inserts a new incomplete draft. An empty ID is replaced with a fresh UUID.
func (r *listingRepository) Create(ctx context.Context, draft *models.ListingDraft) error {
	if draft.ID == "" {
		draft.ID = uuid.New().String()
	}
	if draft.Status == "" {
		draft.Status = models.ListingStatusIncomplete
	}
	if draft.Photos == nil {
		draft.Photos = pq.StringArray{}
	}

	query := `
		INSERT INTO listing_drafts (
			id, phone_number, seller_id, designer, pieces_included, size, condition,
			price_cents, notes, photos, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		draft.ID, draft.PhoneNumber, draft.SellerID, draft.Designer, draft.PiecesIncluded,
		draft.Size, draft.Condition, draft.PriceCents, draft.Notes, draft.Photos, draft.Status,
	).Scan(&draft.CreatedAt, &draft.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create listing draft: %w", err)
	}

	return nil
}

// Get retrieves a draft by id.
func (r *listingRepository) Get(ctx context.Context, id string) (*models.ListingDraft, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query := `
		SELECT id, phone_number, seller_id, designer, pieces_included, size, condition,
		       price_cents, notes, photos, status, external_product_id, created_at, updated_at
		FROM listing_drafts
		WHERE id = $1
	`

	var draft models.ListingDraft
	if err := r.db.GetContext(ctx, &draft, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get listing draft: %w", err)
	}

	return &draft, nil
}

// UpdateFields writes the collected attributes. Photos and status are left untouched.
func (r *listingRepository) UpdateFields(ctx context.Context, draft *models.ListingDraft) error {
	query := `
		UPDATE listing_drafts
		SET designer = $2,
		    pieces_included = $3,
		    size = $4,
		    condition = $5,
		    price_cents = $6,
		    notes = $7,
		    updated_at = NOW()
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		draft.ID, draft.Designer, draft.PiecesIncluded, draft.Size, draft.Condition,
		draft.PriceCents, draft.Notes)
	if err != nil {
		return fmt.Errorf("failed to update listing draft: %w", err)
	}

	return requireRow(res)
}

// AppendPhotos adds photo references in one statement.
func (r *listingRepository) AppendPhotos(ctx context.Context, id string, refs []string) error {
	if len(refs) == 0 {
		return nil
	}

	query := `
		UPDATE listing_drafts
		SET photos = photos || $2::text[],
		    updated_at = NOW()
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id, pq.Array(refs))
	if err != nil {
		return fmt.Errorf("failed to append listing photos: %w", err)
	}

	return requireRow(res)
}

// ClearPhotos empties the photo list.
func (r *listingRepository) ClearPhotos(ctx context.Context, id string) error {
	query := `
		UPDATE listing_drafts
		SET photos = '{}',
		    updated_at = NOW()
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to clear listing photos: %w", err)
	}

	return requireRow(res)
}

// MarkDraft advances the status only when the row satisfies the review preconditions.
func (r *listingRepository) MarkDraft(ctx context.Context, id string, minPhotos int) error {
	query := `
		UPDATE listing_drafts
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $3
		  AND designer <> ''
		  AND pieces_included <> ''
		  AND size <> ''
		  AND condition <> ''
		  AND price_cents > 0
		  AND cardinality(photos) >= $4
	`

	res, err := r.db.ExecContext(ctx, query,
		id, models.ListingStatusDraft, models.ListingStatusIncomplete, minPhotos)
	if err != nil {
		return fmt.Errorf("failed to mark listing draft: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotReady
	}

	return nil
}
