package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nyxel/api/internal/config"
)

// SupabaseStorageClient implements StorageClient against the Supabase
// Storage REST API using the service role key.
type SupabaseStorageClient struct {
	httpClient *http.Client
	baseURL    string
	serviceKey string
	bucket     string
}

// NewSupabaseStorageClient creates a storage client for one public bucket
func NewSupabaseStorageClient(cfg *config.SupabaseConfig, bucket string) (*SupabaseStorageClient, error) {
	if cfg.URL == "" || cfg.ServiceKey == "" {
		return nil, fmt.Errorf("supabase storage configuration incomplete")
	}
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	return &SupabaseStorageClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		bucket:     bucket,
	}, nil
}

func (c *SupabaseStorageClient) Name() string {
	return "supabase"
}

// Upload stores an object and returns its public URL
func (c *SupabaseStorageClient) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload to supabase storage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return c.GetPublicURL(key), nil
}

// Delete removes an object from the bucket
func (c *SupabaseStorageClient) Delete(ctx context.Context, key string) error {
	deleteURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete from supabase storage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// GetPublicURL returns the permanent public URL for a key
func (c *SupabaseStorageClient) GetPublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, key)
}

var _ StorageClient = (*SupabaseStorageClient)(nil)
