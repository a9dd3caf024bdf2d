package repository

import (
	"context"

	"github.com/popeskul/listing-intake/internal/models"
)

//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/popeskul/listing-intake/internal/repository Repository,ConversationRepository,ListingRepository,SellerRepository

// Repository interface defines all repository operations.
type Repository interface {
	// Ping checks database connectivity
	Ping() error

	Conversation() ConversationRepository
	Listing() ListingRepository
	Seller() SellerRepository
}

// ConversationRepository stores one conversation per phone number.
type ConversationRepository interface {
	// GetOrCreate returns the conversation for phone, creating it in the new state.
	GetOrCreate(ctx context.Context, phone string) (*models.Conversation, error)
	// Save upserts state, context, authorization and seller linkage as one unit.
	Save(ctx context.Context, conv *models.Conversation) error
	// MergeContext applies a partial context patch. Nil values delete keys.
	MergeContext(ctx context.Context, phone string, patch models.Context) error
	// Reset returns the conversation to the new state with an empty context.
	Reset(ctx context.Context, phone string) error
}

// ListingRepository stores listing drafts.
type ListingRepository interface {
	Create(ctx context.Context, draft *models.ListingDraft) error
	Get(ctx context.Context, id string) (*models.ListingDraft, error)
	UpdateFields(ctx context.Context, draft *models.ListingDraft) error
	AppendPhotos(ctx context.Context, id string, refs []string) error
	ClearPhotos(ctx context.Context, id string) error
	// MarkDraft advances an incomplete listing to draft. It returns ErrNotReady when a
	// required field is empty or fewer than minPhotos photos are attached.
	MarkDraft(ctx context.Context, id string, minPhotos int) error
}

// SellerRepository reads seller accounts.
type SellerRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.Seller, error)
}
