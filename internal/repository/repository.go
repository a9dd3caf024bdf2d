// Package repository persists conversations, listing drafts and sellers in PostgreSQL.
package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// repositoryImpl is the concrete implementation of Repository interface.
type repositoryImpl struct {
	db           *sqlx.DB
	conversation ConversationRepository
	listing      ListingRepository
	seller       SellerRepository
}

// NewRepository creates a new repository instance.
func NewRepository(db *sqlx.DB) Repository {
	return &repositoryImpl{
		db:           db,
		conversation: NewConversationRepository(db),
		listing:      NewListingRepository(db),
		seller:       NewSellerRepository(db),
	}
}

func (r *repositoryImpl) Conversation() ConversationRepository {
	return r.conversation
}

func (r *repositoryImpl) Listing() ListingRepository {
	return r.listing
}

func (r *repositoryImpl) Seller() SellerRepository {
	return r.seller
}

// Ping checks if the database connection is healthy.
func (r *repositoryImpl) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return r.db.PingContext(ctx)
}
