package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/popeskul/listing-intake/internal/models"
)

type conversationRepository struct {
	db *sqlx.DB
}

func NewConversationRepository(db *sqlx.DB) ConversationRepository {
	return &conversationRepository{
		db: db,
	}
}

// GetOrCreate retrieves the conversation for phone, inserting a fresh one first if needed.
func (r *conversationRepository) GetOrCreate(ctx context.Context, phone string) (*models.Conversation, error) {
	insert := `
		INSERT INTO conversations (phone_number, state, context)
		VALUES ($1, $2, '{}'::jsonb)
		ON CONFLICT (phone_number) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert, phone, models.StateNew); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	query := `
		SELECT phone_number, state, context, is_authorized, seller_id, created_at, updated_at
		FROM conversations
		WHERE phone_number = $1
	`

	var conv models.Conversation
	if err := r.db.GetContext(ctx, &conv, query, phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.Context == nil {
		conv.Context = models.Context{}
	}

	return &conv, nil
}

// Save upserts the whole conversation row.
func (r *conversationRepository) Save(ctx context.Context, conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (phone_number, state, context, is_authorized, seller_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (phone_number) DO UPDATE
		SET state = EXCLUDED.state,
		    context = EXCLUDED.context,
		    is_authorized = EXCLUDED.is_authorized,
		    seller_id = EXCLUDED.seller_id,
		    updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		conv.PhoneNumber, conv.State, conv.Context, conv.IsAuthorized, conv.SellerID)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	return nil
}

// MergeContext merges patch into the stored context in one statement.
func (r *conversationRepository) MergeContext(ctx context.Context, phone string, patch models.Context) error {
	set := make(map[string]any, len(patch))
	drop := []string{}
	for k, v := range patch {
		if v == nil {
			drop = append(drop, k)
			continue
		}
		set[k] = v
	}

	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal context patch: %w", err)
	}

	query := `
		UPDATE conversations
		SET context = (context || $2::jsonb) - $3::text[],
		    updated_at = NOW()
		WHERE phone_number = $1
	`

	res, err := r.db.ExecContext(ctx, query, phone, string(raw), pq.Array(drop))
	if err != nil {
		return fmt.Errorf("failed to merge conversation context: %w", err)
	}

	return requireRow(res)
}

// Reset sets the conversation back to new and clears its context. Authorization is kept.
func (r *conversationRepository) Reset(ctx context.Context, phone string) error {
	query := `
		UPDATE conversations
		SET state = $2,
		    context = '{}'::jsonb,
		    updated_at = NOW()
		WHERE phone_number = $1
	`

	res, err := r.db.ExecContext(ctx, query, phone, models.StateNew)
	if err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}

	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
