// Package extract turns free-form seller descriptions and voice notes into advisory
// listing fields. Every value it returns is re-validated by the intake dispatcher.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/popeskul/listing-intake/internal/config"
)

// ErrUnavailable is returned when no extraction backend is configured.
var ErrUnavailable = errors.New("field extraction unavailable")

const extractInstruction = `You read descriptions of second-hand designer clothing written by sellers.
Return a single JSON object with any of these string keys you can fill:
"designer", "pieces", "size", "condition", "price", "notes".
Use "pieces" for which pieces are included (top, bottom, both, one-piece).
Use "price" for the asking price including the currency symbol.
Omit keys you cannot determine. Do not invent values. Return JSON only.`

const transcribeInstruction = "Transcribe this voice note verbatim. Return only the transcript text."

//go:generate mockgen -destination=mocks/mock_extractor.go -package=mocks github.com/popeskul/listing-intake/internal/extract Extractor

// Extractor is the field-extraction collaborator.
type Extractor interface {
	ExtractFields(ctx context.Context, text string) (map[string]string, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// New returns a Gemini-backed extractor, or a Noop one when no API key is configured.
func New(ctx context.Context, cfg *config.ExtractionConfig, logger *zap.Logger) (Extractor, error) {
	if cfg.APIKey == "" {
		logger.Warn("Extraction API key not set, voice and free-text extraction disabled")
		return Noop{}, nil
	}
	return NewGemini(ctx, cfg, logger)
}

// Noop rejects every call with ErrUnavailable.
type Noop struct{}

func (Noop) ExtractFields(context.Context, string) (map[string]string, error) {
	return nil, ErrUnavailable
}

func (Noop) Transcribe(context.Context, []byte, string) (string, error) {
	return "", ErrUnavailable
}

// Gemini implements Extractor with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func NewGemini(ctx context.Context, cfg *config.ExtractionConfig, logger *zap.Logger) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model, logger: logger}, nil
}

// ExtractFields implements Extractor.
func (g *Gemini) ExtractFields(ctx context.Context, text string) (map[string]string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: extractInstruction}}},
		ResponseMIMEType:  "application/json",
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(text), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}
	if resp == nil {
		return nil, errors.New("received empty response")
	}

	fields, err := ParseFields(resp.Text())
	if err != nil {
		return nil, err
	}

	g.logger.Debug("Fields extracted",
		zap.Int("fields", len(fields)),
		zap.Duration("duration", time.Since(start)))
	return fields, nil
}

// Transcribe implements Extractor.
func (g *Gemini) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: audio}},
			{Text: transcribeInstruction},
		},
	}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	if resp == nil {
		return "", errors.New("received empty response")
	}

	transcript := strings.TrimSpace(resp.Text())
	if transcript == "" {
		return "", errors.New("empty transcript")
	}
	return transcript, nil
}
