package repository_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popeskul/listing-intake/internal/models"
	"github.com/popeskul/listing-intake/internal/repository"
)

func completeDraft() *models.ListingDraft {
	return &models.ListingDraft{
		PhoneNumber:    "15550001",
		Designer:       "Zimmermann",
		PiecesIncluded: "Top & bottom",
		Size:           "M",
		Condition:      "New with tags",
		PriceCents:     8500,
	}
}

func TestListingRepository(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repo := repository.NewListingRepository(db)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{
			name: "Create assigns id and incomplete status",
			run: func(t *testing.T) {
				draft := &models.ListingDraft{PhoneNumber: "15550001"}
				require.NoError(t, repo.Create(ctx, draft))
				assert.NotEmpty(t, draft.ID)

				got, err := repo.Get(ctx, draft.ID)
				require.NoError(t, err)
				assert.Equal(t, models.ListingStatusIncomplete, got.Status)
				assert.Empty(t, got.Photos)
				assert.False(t, got.ExternalProductID.Valid)
			},
		},
		{
			name: "Get unknown and malformed ids",
			run: func(t *testing.T) {
				_, err := repo.Get(ctx, uuid.New().String())
				assert.ErrorIs(t, err, repository.ErrNotFound)

				_, err = repo.Get(ctx, "not-a-uuid")
				assert.ErrorIs(t, err, repository.ErrNotFound)
			},
		},
		{
			name: "UpdateFields writes attributes",
			run: func(t *testing.T) {
				draft := &models.ListingDraft{PhoneNumber: "15550001"}
				require.NoError(t, repo.Create(ctx, draft))

				update := completeDraft()
				update.ID = draft.ID
				update.Notes = "Worn once"
				require.NoError(t, repo.UpdateFields(ctx, update))

				got, err := repo.Get(ctx, draft.ID)
				require.NoError(t, err)
				assert.Equal(t, "Zimmermann", got.Designer)
				assert.Equal(t, int64(8500), got.PriceCents)
				assert.Equal(t, "Worn once", got.Notes)
			},
		},
		{
			name: "AppendPhotos and ClearPhotos",
			run: func(t *testing.T) {
				draft := &models.ListingDraft{PhoneNumber: "15550001"}
				require.NoError(t, repo.Create(ctx, draft))

				require.NoError(t, repo.AppendPhotos(ctx, draft.ID, []string{"gid://1", "gid://2"}))
				require.NoError(t, repo.AppendPhotos(ctx, draft.ID, []string{"gid://3"}))

				got, err := repo.Get(ctx, draft.ID)
				require.NoError(t, err)
				assert.Equal(t, []string{"gid://1", "gid://2", "gid://3"}, []string(got.Photos))

				require.NoError(t, repo.ClearPhotos(ctx, draft.ID))
				got, err = repo.Get(ctx, draft.ID)
				require.NoError(t, err)
				assert.Empty(t, got.Photos)
			},
		},
		{
			name: "MarkDraft enforces preconditions",
			run: func(t *testing.T) {
				draft := completeDraft()
				require.NoError(t, repo.Create(ctx, draft))
				require.NoError(t, repo.AppendPhotos(ctx, draft.ID, []string{"gid://1", "gid://2"}))

				assert.ErrorIs(t, repo.MarkDraft(ctx, draft.ID, 3), repository.ErrNotReady)

				require.NoError(t, repo.AppendPhotos(ctx, draft.ID, []string{"gid://3"}))
				require.NoError(t, repo.MarkDraft(ctx, draft.ID, 3))

				got, err := repo.Get(ctx, draft.ID)
				require.NoError(t, err)
				assert.Equal(t, models.ListingStatusDraft, got.Status)

				assert.ErrorIs(t, repo.MarkDraft(ctx, draft.ID, 3), repository.ErrNotReady, "status only advances from incomplete")
			},
		},
		{
			name: "MarkDraft rejects missing fields",
			run: func(t *testing.T) {
				draft := completeDraft()
				draft.Size = ""
				require.NoError(t, repo.Create(ctx, draft))
				require.NoError(t, repo.AppendPhotos(ctx, draft.ID, []string{"gid://1", "gid://2", "gid://3"}))

				assert.ErrorIs(t, repo.MarkDraft(ctx, draft.ID, 3), repository.ErrNotReady)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
			cleanupTestData(db)
		})
	}
}

func TestSellerRepository_FindByEmail(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	repo := repository.NewSellerRepository(db)
	id := insertTestSeller(t, db, "Seller@Example.com", "Ana")

	tests := []struct {
		name    string
		email   string
		wantErr error
	}{
		{name: "exact", email: "Seller@Example.com"},
		{name: "case and whitespace insensitive", email: "  seller@example.COM "},
		{name: "unknown", email: "nobody@example.com", wantErr: repository.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seller, err := repo.FindByEmail(context.Background(), tt.email)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, seller.ID)
			assert.Equal(t, "Ana", seller.Name)
		})
	}
}
