package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/listing-intake/internal/breaker"
	"github.com/popeskul/listing-intake/internal/config"
)

const (
	stagedUploadsCreateMutation = `mutation stagedUploadsCreate($input: [StagedUploadInput!]!) {
  stagedUploadsCreate(input: $input) {
    stagedTargets { url resourceUrl parameters { name value } }
    userErrors { field message }
  }
}`
	fileCreateMutation = `mutation fileCreate($files: [FileCreateInput!]!) {
  fileCreate(files: $files) {
    files { id fileStatus }
    userErrors { field message }
  }
}`
	fileStatusQuery = `query fileStatus($id: ID!) {
  node(id: $id) { ... on File { id fileStatus } }
}`
	fileDeleteMutation = `mutation fileDelete($fileIds: [ID!]!) {
  fileDelete(fileIds: $fileIds) {
    deletedFileIds
    userErrors { field message }
  }
}`
)

// FileStatus is the processing status reported by the commerce backend.
type FileStatus string

const (
	FileStatusUploaded   FileStatus = "UPLOADED"
	FileStatusProcessing FileStatus = "PROCESSING"
	FileStatusReady      FileStatus = "READY"
	FileStatusFailed     FileStatus = "FAILED"
)

// StagedTarget is a one-time upload destination with its signed form parameters.
type StagedTarget struct {
	URL         string            `json:"url"`
	ResourceURL string            `json:"resourceUrl"`
	Parameters  []StagedParameter `json:"parameters"`
}

type StagedParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func joinUserErrors(errs []userError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Message)
	}
	return errors.New(strings.Join(msgs, "; "))
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// CommerceClient talks to the commerce backend Admin GraphQL API.
type CommerceClient struct {
	endpoint       string
	accessToken    string
	httpClient     *http.Client
	circuitBreaker *breaker.CircuitBreaker
	logger         *zap.Logger
}

// NewCommerceClient creates a client for cfg.
func NewCommerceClient(cfg *config.CommerceConfig, logger *zap.Logger) *CommerceClient {
	return &CommerceClient{
		endpoint:       fmt.Sprintf("%s/admin/api/%s/graphql.json", strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion),
		accessToken:    cfg.AccessToken,
		httpClient:     &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		circuitBreaker: breaker.New("commerce", &cfg.CircuitBreaker, logger),
		logger:         logger,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *CommerceClient) Breaker() *breaker.CircuitBreaker {
	return c.circuitBreaker
}

func (c *CommerceClient) do(ctx context.Context, query string, variables map[string]any, out any) error {
	return c.circuitBreaker.Execute(ctx, func() error {
		body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Shopify-Access-Token", c.accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Warn("Failed to close response body", zap.Error(err))
			}
		}()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, snippet)
		}

		var gql graphqlResponse
		if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if len(gql.Errors) > 0 {
			return fmt.Errorf("graphql error: %s", gql.Errors[0].Message)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
		return nil
	})
}

// CreateStagedUpload asks for a one-time upload target sized for the file.
func (c *CommerceClient) CreateStagedUpload(ctx context.Context, filename, mimeType string, size int) (*StagedTarget, error) {
	vars := map[string]any{
		"input": []map[string]any{{
			"filename":   filename,
			"mimeType":   mimeType,
			"resource":   "IMAGE",
			"httpMethod": "POST",
			"fileSize":   strconv.Itoa(size),
		}},
	}

	var data struct {
		StagedUploadsCreate struct {
			StagedTargets []StagedTarget `json:"stagedTargets"`
			UserErrors    []userError    `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := c.do(ctx, stagedUploadsCreateMutation, vars, &data); err != nil {
		return nil, err
	}
	if err := joinUserErrors(data.StagedUploadsCreate.UserErrors); err != nil {
		return nil, err
	}
	if len(data.StagedUploadsCreate.StagedTargets) == 0 {
		return nil, errors.New("no staged target returned")
	}
	return &data.StagedUploadsCreate.StagedTargets[0], nil
}

// CreateFile registers an uploaded resource and returns the new file id.
func (c *CommerceClient) CreateFile(ctx context.Context, resourceURL, alt string) (string, FileStatus, error) {
	vars := map[string]any{
		"files": []map[string]any{{
			"originalSource": resourceURL,
			"contentType":    "IMAGE",
			"alt":            alt,
		}},
	}

	var data struct {
		FileCreate struct {
			Files []struct {
				ID         string     `json:"id"`
				FileStatus FileStatus `json:"fileStatus"`
			} `json:"files"`
			UserErrors []userError `json:"userErrors"`
		} `json:"fileCreate"`
	}
	if err := c.do(ctx, fileCreateMutation, vars, &data); err != nil {
		return "", "", err
	}
	if err := joinUserErrors(data.FileCreate.UserErrors); err != nil {
		return "", "", err
	}
	if len(data.FileCreate.Files) == 0 {
		return "", "", errors.New("no file returned")
	}
	f := data.FileCreate.Files[0]
	return f.ID, f.FileStatus, nil
}

// FileStatus returns the processing status of a registered file.
func (c *CommerceClient) FileStatus(ctx context.Context, fileID string) (FileStatus, error) {
	var data struct {
		Node *struct {
			ID         string     `json:"id"`
			FileStatus FileStatus `json:"fileStatus"`
		} `json:"node"`
	}
	if err := c.do(ctx, fileStatusQuery, map[string]any{"id": fileID}, &data); err != nil {
		return "", err
	}
	if data.Node == nil {
		return "", fmt.Errorf("file %s not found", fileID)
	}
	return data.Node.FileStatus, nil
}

// DeleteFiles removes files in one batch.
func (c *CommerceClient) DeleteFiles(ctx context.Context, fileIDs []string) error {
	var data struct {
		FileDelete struct {
			DeletedFileIDs []string    `json:"deletedFileIds"`
			UserErrors     []userError `json:"userErrors"`
		} `json:"fileDelete"`
	}
	if err := c.do(ctx, fileDeleteMutation, map[string]any{"fileIds": fileIDs}, &data); err != nil {
		return err
	}
	return joinUserErrors(data.FileDelete.UserErrors)
}
