// Package media uploads listing photos to the commerce backend through its staged upload
// protocol and prepares images for upload.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/breaker"
	"github.com/popeskul/listing-intake/internal/config"
	"github.com/popeskul/listing-intake/internal/dedup"
)

var (
	errNotReady     = errors.New("file not ready")
	errRemoteFailed = errors.New("file status FAILED")
)

//go:generate mockgen -destination=mocks/mock_uploader.go -package=mocks github.com/popeskul/listing-intake/internal/media Uploader

// Uploader stores images on the commerce backend and returns their file ids.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename, mimeType string) (string, error)
	// Delete removes files best-effort. Failures are logged and queued for the sweeper.
	Delete(ctx context.Context, fileIDs ...string)
	// Remove deletes files and reports the outcome.
	Remove(ctx context.Context, fileIDs []string) error
}

// Options tunes retries and status polling.
type Options struct {
	Attempts            int
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	PollMaxAttempts     int
}

// OptionsFromConfig converts the commerce section into uploader options.
func OptionsFromConfig(cfg *config.CommerceConfig) Options {
	return Options{
		Attempts:            cfg.UploadAttempts,
		PollInitialInterval: time.Duration(cfg.PollInitialInterval) * time.Millisecond,
		PollMaxInterval:     time.Duration(cfg.PollMaxInterval) * time.Millisecond,
		PollMaxAttempts:     cfg.PollMaxAttempts,
	}
}

// StagedUploader implements Uploader with the three-step staged upload protocol.
type StagedUploader struct {
	client   *CommerceClient
	transfer *http.Client
	orphans  dedup.OrphanQueue
	opts     Options
	logger   *zap.Logger
}

// NewStagedUploader creates an uploader. orphans receives ids whose deletion failed.
func NewStagedUploader(client *CommerceClient, orphans dedup.OrphanQueue, opts Options, logger *zap.Logger) *StagedUploader {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.PollMaxAttempts < 1 {
		opts.PollMaxAttempts = 1
	}
	return &StagedUploader{
		client:   client,
		transfer: &http.Client{Timeout: client.httpClient.Timeout},
		orphans:  orphans,
		opts:     opts,
		logger:   logger,
	}
}

// Breaker exposes the commerce circuit breaker for health reporting.
func (u *StagedUploader) Breaker() *breaker.CircuitBreaker {
	return u.client.Breaker()
}

// Upload runs the protocol. A failure in staging, transfer or registration restarts from
// the first step with a fresh staged target, up to the configured number of attempts.
// Processing failures and poll timeouts are returned as is.
func (u *StagedUploader) Upload(ctx context.Context, data []byte, filename, mimeType string) (string, error) {
	var (
		up      upload
		lastErr error
	)

	for attempt := 1; attempt <= u.opts.Attempts; attempt++ {
		if attempt > 1 {
			up.restart()
		}

		fileID, err := u.run(ctx, &up, data, filename, mimeType)
		if err == nil {
			u.logger.Info("Photo uploaded",
				zap.String("fileID", fileID),
				zap.String("filename", filename),
				zap.Int("attempt", attempt))
			return fileID, nil
		}
		lastErr = err

		var se *StageError
		if !errors.As(err, &se) || !se.Retryable() || ctx.Err() != nil || errors.Is(err, breaker.ErrUnavailable) {
			break
		}

		u.logger.Warn("Upload attempt failed, restarting",
			zap.String("filename", filename),
			zap.String("stage", string(se.Stage)),
			zap.String("reached", up.state.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return "", lastErr
}

func (u *StagedUploader) run(ctx context.Context, up *upload, data []byte, filename, mimeType string) (string, error) {
	target, err := u.client.CreateStagedUpload(ctx, filename, mimeType, len(data))
	if err != nil {
		return "", &StageError{Stage: StageStaging, Err: err}
	}
	up.staged(target)

	if err := u.transferFile(ctx, up.target, data, filename, mimeType); err != nil {
		return "", &StageError{Stage: StageTransfer, Err: err}
	}
	up.transferred()

	fileID, status, err := u.client.CreateFile(ctx, up.target.ResourceURL, filename)
	if err != nil {
		return "", &StageError{Stage: StageRegister, Err: err}
	}
	up.registered(fileID)

	if status != FileStatusReady {
		if err := u.waitReady(ctx, fileID); err != nil {
			u.Delete(context.WithoutCancel(ctx), fileID)
			return "", err
		}
	}
	up.ready()

	return up.fileID, nil
}

// transferFile posts the signed parameters verbatim and in order, with the file last.
func (u *StagedUploader) transferFile(ctx context.Context, target *StagedTarget, data []byte, filename, mimeType string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	for _, p := range target.Parameters {
		if err := w.WriteField(p.Name, p.Value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", p.Name, err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := u.transfer.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			u.logger.Warn("Failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (u *StagedUploader) pollPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.opts.PollInitialInterval
	b.MaxInterval = u.opts.PollMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(u.opts.PollMaxAttempts-1)), ctx)
}

// waitReady polls the file status until READY or FAILED, bounded by PollMaxAttempts.
func (u *StagedUploader) waitReady(ctx context.Context, fileID string) error {
	polls := 0
	err := backoff.Retry(func() error {
		polls++
		status, err := u.client.FileStatus(ctx, fileID)
		if err != nil {
			if errors.Is(err, breaker.ErrUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch status {
		case FileStatusReady:
			return nil
		case FileStatusFailed:
			return backoff.Permanent(errRemoteFailed)
		default:
			return errNotReady
		}
	}, u.pollPolicy(ctx))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errRemoteFailed):
		return &StageError{Stage: StageProcessing, Err: fmt.Errorf("file %s: %w", fileID, err)}
	case ctx.Err() != nil:
		return &StageError{Stage: StagePolling, Err: ctx.Err()}
	default:
		return &StageError{Stage: StagePolling, Err: fmt.Errorf("file %s after %d polls: %w", fileID, polls, err)}
	}
}

// Delete implements Uploader.
func (u *StagedUploader) Delete(ctx context.Context, fileIDs ...string) {
	if len(fileIDs) == 0 {
		return
	}

	err := u.Remove(ctx, fileIDs)
	if err == nil {
		return
	}

	u.logger.Warn("Failed to delete remote files, queueing for sweeper",
		zap.Strings("fileIDs", fileIDs),
		zap.Error(err))

	if u.orphans == nil {
		return
	}
	if err := u.orphans.Enqueue(ctx, fileIDs...); err != nil {
		u.logger.Error("Failed to queue orphaned files",
			zap.Strings("fileIDs", fileIDs),
			zap.Error(err))
	}
}

// Remove implements Uploader.
func (u *StagedUploader) Remove(ctx context.Context, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}
	if err := u.client.DeleteFiles(ctx, fileIDs); err != nil {
		return fmt.Errorf("failed to delete files: %w", err)
	}
	return nil
}
