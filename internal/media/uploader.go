// Package media uploads message images to an object host and returns the
// public URL the message record carries.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned by an uploader without an endpoint.
var ErrNotConfigured = errors.New("media: uploader not configured")

// Config holds the image host settings.
type Config struct {
	Endpoint string        // upload URL, e.g. https://api.imgbb.com/1/upload
	APIKey   string        // sent as the "key" query parameter when set
	Field    string        // multipart field name carrying the image
	Timeout  time.Duration // per-upload timeout
}

// DefaultConfig returns the imgbb-compatible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint: "https://api.imgbb.com/1/upload",
		Field:    "image",
		Timeout:  30 * time.Second,
	}
}

// uploadResponse is the subset of the host's JSON reply we read.
type uploadResponse struct {
	Success bool `json:"success"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPUploader posts images as multipart form data.
type HTTPUploader struct {
	config Config
	client *http.Client
	log    zerolog.Logger
}

// NewHTTPUploader creates an uploader. A nil client uses a client with the
// configured timeout.
func NewHTTPUploader(config Config, client *http.Client, logger zerolog.Logger) *HTTPUploader {
	if config.Field == "" {
		config.Field = "image"
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPUploader{
		config: config,
		client: client,
		log:    logger.With().Str("component", "media").Logger(),
	}
}

// Upload sends data and returns the hosted URL.
func (u *HTTPUploader) Upload(ctx context.Context, data []byte) (string, error) {
	if u.config.Endpoint == "" {
		return "", ErrNotConfigured
	}
	endpoint, err := url.Parse(u.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("media: endpoint: %w", err)
	}
	if u.config.APIKey != "" {
		q := endpoint.Query()
		q.Set("key", u.config.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile(u.config.Field, "upload")
	if err != nil {
		return "", fmt.Errorf("media: build form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("media: build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("media: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), &body)
	if err != nil {
		return "", fmt.Errorf("media: request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("media: read response: %w", err)
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("media: upload: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.Data.URL == "" {
		msg := out.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return "", fmt.Errorf("media: upload: status %d: %s", resp.StatusCode, msg)
	}

	u.log.Debug().Int("bytes", len(data)).Dur("took", time.Since(start)).Msg("image uploaded")
	return out.Data.URL, nil
}
