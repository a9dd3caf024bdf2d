package models

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

type ListingStatus string

const (
	ListingStatusIncomplete    ListingStatus = "incomplete"
	ListingStatusDraft         ListingStatus = "draft"
	ListingStatusPendingReview ListingStatus = "pending_review"
	ListingStatusLive          ListingStatus = "live"
	ListingStatusSold          ListingStatus = "sold"
)

// Field names a listing attribute collected during intake.
type Field string

const (
	FieldDesigner  Field = "designer"
	FieldPieces    Field = "pieces"
	FieldSize      Field = "size"
	FieldCondition Field = "condition"
	FieldPrice     Field = "price"
	FieldNotes     Field = "notes"
)

// RequiredFields is the fixed order in which missing fields are prompted.
var RequiredFields = []Field{
	FieldDesigner,
	FieldPieces,
	FieldSize,
	FieldCondition,
	FieldPrice,
}

// ListingDraft represents an in-progress listing in the database.
type ListingDraft struct {
	ID                string         `db:"id" json:"id"`
	PhoneNumber       string         `db:"phone_number" json:"phone_number"`
	SellerID          sql.NullString `db:"seller_id" json:"seller_id,omitempty"`
	Designer          string         `db:"designer" json:"designer"`
	PiecesIncluded    string         `db:"pieces_included" json:"pieces_included"`
	Size              string         `db:"size" json:"size"`
	Condition         string         `db:"condition" json:"condition"`
	PriceCents        int64          `db:"price_cents" json:"price_cents"`
	Notes             string         `db:"notes" json:"notes"`
	Photos            pq.StringArray `db:"photos" json:"photos"`
	Status            ListingStatus  `db:"status" json:"status"`
	ExternalProductID sql.NullString `db:"external_product_id" json:"external_product_id,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

// Has reports whether a field holds a value.
func (d *ListingDraft) Has(f Field) bool {
	switch f {
	case FieldDesigner:
		return d.Designer != ""
	case FieldPieces:
		return d.PiecesIncluded != ""
	case FieldSize:
		return d.Size != ""
	case FieldCondition:
		return d.Condition != ""
	case FieldPrice:
		return d.PriceCents > 0
	case FieldNotes:
		return d.Notes != ""
	default:
		return false
	}
}

// NextMissing returns the first unfilled required field in the fixed order.
func (d *ListingDraft) NextMissing() (Field, bool) {
	for _, f := range RequiredFields {
		if !d.Has(f) {
			return f, true
		}
	}
	return "", false
}

// ReadyForReview reports whether the draft may advance to the draft status.
func (d *ListingDraft) ReadyForReview(minPhotos int) bool {
	if _, missing := d.NextMissing(); missing {
		return false
	}
	return len(d.Photos) >= minPhotos
}
