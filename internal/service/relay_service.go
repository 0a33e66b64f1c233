package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/metrics"
	"github.com/nyxel/api/internal/model"
)

// maxRelayBytes bounds a single relayed object
const maxRelayBytes = 512 << 20

// RelayService copies temporary provider media into the blob store
type RelayService struct {
	storage    client.StorageClient
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.Metrics
}

func NewRelayService(storage client.StorageClient, log *zap.Logger, m *metrics.Metrics) *RelayService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RelayService{
		storage:    storage,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		log:        log.Named("relay"),
		metrics:    m,
	}
}

// ObjectKey builds a fresh destination key. Every call returns a new key,
// so relaying the same source twice never overwrites.
func ObjectKey(userID string, mediaType model.MediaType, sourceURL string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("generations/%s/%s.%s", userID, uuid.New().String(), extensionFor(mediaType, sourceURL))
}

func extensionFor(mediaType model.MediaType, sourceURL string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
		switch ext {
		case "png", "jpg", "jpeg", "webp", "gif", "mp4", "webm", "mov":
			return ext
		}
	}
	if mediaType == model.MediaTypeVideo {
		return "mp4"
	}
	return "png"
}

// Relay downloads sourceURL and uploads it under key, returning the
// permanent public URL. An empty contentType is taken from the source.
func (s *RelayService) Relay(ctx context.Context, sourceURL, key, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", s.fail(sourceURL, fmt.Errorf("invalid source url: %w", err))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", s.fail(sourceURL, fmt.Errorf("failed to fetch source: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", s.fail(sourceURL, fmt.Errorf("source returned status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBytes))
	if err != nil {
		return "", s.fail(sourceURL, fmt.Errorf("failed to read source: %w", err))
	}

	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(key)); byExt != "" {
			contentType = byExt
		}
	}

	publicURL, err := s.storage.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	if err != nil {
		return "", s.fail(sourceURL, err)
	}

	s.log.Debug("media relayed",
		zap.String("backend", s.storage.Name()),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return publicURL, nil
}

// Remove deletes an object uploaded by an earlier Relay
func (s *RelayService) Remove(ctx context.Context, key string) error {
	if err := s.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *RelayService) fail(source string, err error) error {
	s.metrics.RelayFailure()
	s.log.Warn("relay failed", zap.String("source", source), zap.Error(err))
	return &RelayError{Source: source, Err: err}
}
