// Package dedup implements the Redis-backed deduplication store: processed-message
// markers, the pending photo set and the orphaned media queue.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "intake"
	orphanQueue = keyPrefix + ":media:orphans"
	markerValue = "1"
	defaultTTL  = 24 * time.Hour
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/popeskul/listing-intake/internal/dedup Store,OrphanQueue

// ErrClosed is returned by Append when the listing's photo step was closed by a
// cancel or a submit. The reference is not kept.
var ErrClosed = errors.New("photo set is closed")

// Scope identifies the pending photo set of one listing.
type Scope struct {
	Phone     string
	ListingID string
}

// Store is the contract relied on by the dispatcher. Every method is a single atomic
// Redis operation and is safe for concurrent callers on the same phone number.
type Store interface {
	// MarkProcessed claims the processed-message marker. False means the event was
	// already handled.
	MarkProcessed(ctx context.Context, phone, messageID string) (bool, error)
	// Claim reports whether mediaID is seen for the first time in scope. It fails
	// open when Redis is unreachable.
	Claim(ctx context.Context, scope Scope, mediaID string) bool
	// Release drops a claim so the same media may be accepted again.
	Release(ctx context.Context, scope Scope, mediaID string) error
	// Append adds a media reference and returns the new number of references. It
	// returns ErrClosed once Close was called for scope.
	Append(ctx context.Context, scope Scope, ref string) (int64, error)
	Count(ctx context.Context, scope Scope) (int64, error)
	Photos(ctx context.Context, scope Scope) ([]string, error)
	// Remove drops the given references and leaves any others in place.
	Remove(ctx context.Context, scope Scope, refs ...string) error
	// Close makes every later Append for scope fail with ErrClosed.
	Close(ctx context.Context, scope Scope) error
	Clear(ctx context.Context, scope Scope) error
}

// OrphanQueue holds remote file ids whose deletion failed.
type OrphanQueue interface {
	Enqueue(ctx context.Context, fileIDs ...string) error
	Drain(ctx context.Context, limit int) ([]string, error)
}

// RedisStore implements Store and OrphanQueue.
type RedisStore struct {
	client       redis.Cmdable
	photoTTL     time.Duration
	processedTTL time.Duration
	logger       *zap.Logger
}

// Options configures key expiry.
type Options struct {
	PhotoTTL     time.Duration
	ProcessedTTL time.Duration
}

// NewRedisStore creates a Store backed by client.
func NewRedisStore(client redis.Cmdable, opts Options, logger *zap.Logger) *RedisStore {
	if opts.PhotoTTL <= 0 {
		opts.PhotoTTL = defaultTTL
	}
	if opts.ProcessedTTL <= 0 {
		opts.ProcessedTTL = defaultTTL
	}
	return &RedisStore{
		client:       client,
		photoTTL:     opts.PhotoTTL,
		processedTTL: opts.ProcessedTTL,
		logger:       logger,
	}
}

func processedKey(phone, messageID string) string {
	return fmt.Sprintf("%s:processed:%s:%s", keyPrefix, phone, messageID)
}

func claimKey(scope Scope, mediaID string) string {
	return fmt.Sprintf("%s:photo:claim:%s:%s:%s", keyPrefix, scope.Phone, scope.ListingID, mediaID)
}

func photosKey(scope Scope) string {
	return fmt.Sprintf("%s:photos:%s:%s", keyPrefix, scope.Phone, scope.ListingID)
}

func closedKey(scope Scope) string {
	return fmt.Sprintf("%s:photos-closed:%s:%s", keyPrefix, scope.Phone, scope.ListingID)
}

// MarkProcessed implements Store.
func (s *RedisStore) MarkProcessed(ctx context.Context, phone, messageID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, processedKey(phone, messageID), markerValue, s.processedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set processed marker: %w", err)
	}
	return ok, nil
}

// Claim implements Store.
func (s *RedisStore) Claim(ctx context.Context, scope Scope, mediaID string) bool {
	ok, err := s.client.SetNX(ctx, claimKey(scope, mediaID), markerValue, s.photoTTL).Result()
	if err != nil {
		s.logger.Warn("Photo claim failed, accepting photo without dedup",
			zap.String("phone", scope.Phone),
			zap.String("listingID", scope.ListingID),
			zap.String("mediaID", mediaID),
			zap.Error(err))
		return true
	}
	return ok
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, scope Scope, mediaID string) error {
	if err := s.client.Del(ctx, claimKey(scope, mediaID)).Err(); err != nil {
		return fmt.Errorf("failed to release photo claim: %w", err)
	}
	return nil
}

// Append implements Store. RPUSH, EXPIRE and the closed check run in one MULTI
// block: the length comes from RPUSH itself so concurrent appenders each observe a
// distinct count, and a Close either precedes the push or sees it in the set.
func (s *RedisStore) Append(ctx context.Context, scope Scope, ref string) (int64, error) {
	key := photosKey(scope)

	var (
		push   *redis.IntCmd
		closed *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, key, ref)
		pipe.Expire(ctx, key, s.photoTTL)
		closed = pipe.Exists(ctx, closedKey(scope))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append photo reference: %w", err)
	}

	if closed.Val() > 0 {
		if err := s.Remove(ctx, scope, ref); err != nil {
			return 0, err
		}
		return 0, ErrClosed
	}

	return push.Val(), nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, scope Scope) (int64, error) {
	n, err := s.client.LLen(ctx, photosKey(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count photo references: %w", err)
	}
	return n, nil
}

// Photos implements Store.
func (s *RedisStore) Photos(ctx context.Context, scope Scope) ([]string, error) {
	refs, err := s.client.LRange(ctx, photosKey(scope), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list photo references: %w", err)
	}
	return refs, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, scope Scope, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	key := photosKey(scope)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ref := range refs {
			pipe.LRem(ctx, key, 0, ref)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove photo references: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close(ctx context.Context, scope Scope) error {
	if err := s.client.Set(ctx, closedKey(scope), markerValue, s.photoTTL).Err(); err != nil {
		return fmt.Errorf("failed to close photo set: %w", err)
	}
	return nil
}

// Clear implements Store. Claim markers are left to expire.
func (s *RedisStore) Clear(ctx context.Context, scope Scope) error {
	if err := s.client.Del(ctx, photosKey(scope)).Err(); err != nil {
		return fmt.Errorf("failed to clear photo references: %w", err)
	}
	return nil
}

// Enqueue implements OrphanQueue.
func (s *RedisStore) Enqueue(ctx context.Context, fileIDs ...string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	values := make([]interface{}, len(fileIDs))
	for i, id := range fileIDs {
		values[i] = id
	}
	if err := s.client.RPush(ctx, orphanQueue, values...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue orphaned files: %w", err)
	}
	return nil
}

// Drain implements OrphanQueue. Items are popped one by one so concurrent sweepers
// never receive the same id.
func (s *RedisStore) Drain(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	for len(ids) < limit {
		id, err := s.client.LPop(ctx, orphanQueue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return ids, fmt.Errorf("failed to drain orphaned files: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
