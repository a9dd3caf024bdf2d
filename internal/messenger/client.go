// Package messenger sends replies through the WhatsApp Cloud API and downloads inbound
// media.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/breaker"
	"github.com/popeskul/listing-intake/internal/config"
	"github.com/popeskul/listing-intake/internal/models"
)

const maxMediaBytes = 16 << 20

var (
	ErrInvalidMessage = errors.New("invalid outbound message")
	ErrMediaTooLarge  = errors.New("media exceeds size limit")
)

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks github.com/popeskul/listing-intake/internal/messenger Sender

// Sender is the outbound side of the messaging platform.
type Sender interface {
	// Send delivers one message. Sends are never retried.
	Send(ctx context.Context, to string, msg models.OutboundMessage) error
	// DownloadMedia fetches an inbound media object and its MIME type.
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

type Client struct {
	baseURL        string
	phoneNumberID  string
	accessToken    string
	httpClient     *http.Client
	circuitBreaker *breaker.CircuitBreaker
	logger         *zap.Logger
}

func NewClient(cfg *config.WhatsAppConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:       fmt.Sprintf("%s/%s", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion),
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		circuitBreaker: breaker.New("whatsapp", &cfg.CircuitBreaker, logger),
		logger:         logger,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *breaker.CircuitBreaker {
	return c.circuitBreaker
}

// Send implements Sender.
func (c *Client) Send(ctx context.Context, to string, msg models.OutboundMessage) error {
	p, err := buildPayload(to, msg)
	if err != nil {
		return err
	}

	jsonData, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	err = c.circuitBreaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID), bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer c.closeBody(resp)

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, snippet)
		}
		return nil
	})
	if err != nil {
		requests, failures := c.circuitBreaker.GetCounts()
		c.logger.Error("Failed to send message",
			zap.String("to", to),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err),
			zap.String("circuitBreakerState", string(c.circuitBreaker.GetState())),
			zap.Uint32("totalRequests", requests),
			zap.Uint32("totalFailures", failures))
		return err
	}

	c.logger.Debug("Message sent",
		zap.String("to", to),
		zap.String("kind", string(msg.Kind)))
	return nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia implements Sender. The media id resolves to a short-lived URL that is
// fetched with the same bearer token.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	var info mediaInfo
	err := c.circuitBreaker.Execute(ctx, func() error {
		resp, err := c.get(ctx, fmt.Sprintf("%s/%s", c.baseURL, mediaID))
		if err != nil {
			return err
		}
		defer c.closeBody(resp)

		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return fmt.Errorf("failed to decode media info: %w", err)
		}
		if info.URL == "" {
			return fmt.Errorf("media %s has no download url", mediaID)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve media: %w", err)
	}
	if info.FileSize > maxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}

	var data []byte
	err = c.circuitBreaker.Execute(ctx, func() error {
		resp, err := c.get(ctx, info.URL)
		if err != nil {
			return err
		}
		defer c.closeBody(resp)

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
		if err != nil {
			return fmt.Errorf("failed to read media: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", ErrMediaTooLarge
	}

	return data, info.MimeType, nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.closeBody(resp)
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Warn("Failed to close response body", zap.Error(err))
	}
}
