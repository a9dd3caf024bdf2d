// Package auth issues and checks the one-time codes that link a WhatsApp number to a
// seller account.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeDigits = 6
	codePrefix = "intake:otp:"
)

//go:generate mockgen -destination=mocks/mock_auth.go -package=mocks github.com/popeskul/listing-intake/internal/auth Verifier,Deliverer

// Verifier issues and checks one-time codes per phone number.
type Verifier interface {
	SendCode(ctx context.Context, phone, email string) error
	// VerifyCode reports whether code matches the outstanding code for phone. A matched
	// code is consumed.
	VerifyCode(ctx context.Context, phone, code string) (bool, error)
}

// CodeVerifier keeps bcrypt hashes of outstanding codes in Redis.
type CodeVerifier struct {
	client    redis.Cmdable
	deliverer Deliverer
	ttl       time.Duration
	logger    *zap.Logger
}

func NewCodeVerifier(client redis.Cmdable, deliverer Deliverer, ttl time.Duration, logger *zap.Logger) *CodeVerifier {
	return &CodeVerifier{
		client:    client,
		deliverer: deliverer,
		ttl:       ttl,
		logger:    logger,
	}
}

func codeKey(phone string) string {
	return codePrefix + phone
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// SendCode implements Verifier. A new code replaces any outstanding one.
func (v *CodeVerifier) SendCode(ctx context.Context, phone, email string) error {
	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash code: %w", err)
	}

	if err := v.client.Set(ctx, codeKey(phone), hash, v.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store code: %w", err)
	}

	if err := v.deliverer.Deliver(ctx, email, code); err != nil {
		if delErr := v.client.Del(ctx, codeKey(phone)).Err(); delErr != nil {
			v.logger.Warn("Failed to drop undelivered code", zap.String("phone", phone), zap.Error(delErr))
		}
		return fmt.Errorf("failed to deliver code: %w", err)
	}

	v.logger.Info("Verification code sent", zap.String("phone", phone))
	return nil
}

// VerifyCode implements Verifier. An expired or missing code never matches.
func (v *CodeVerifier) VerifyCode(ctx context.Context, phone, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if len(code) != codeDigits {
		return false, nil
	}

	hash, err := v.client.Get(ctx, codeKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load code: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(code)); err != nil {
		return false, nil
	}

	if err := v.client.Del(ctx, codeKey(phone)).Err(); err != nil {
		v.logger.Warn("Failed to consume verification code", zap.String("phone", phone), zap.Error(err))
	}
	return true, nil
}
