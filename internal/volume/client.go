// Package volume uploads and deletes files in the document volume via the
// workspace Files API.
package volume

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/docpipe/docpipe/internal/auth"
	"github.com/docpipe/docpipe/internal/config"
)

// Sentinel errors for volume client failures.
var (
	ErrVolumeUnreachable = errors.New("volume unreachable")
	ErrVolumeRejected    = errors.New("volume request rejected")
	ErrVolumeTimeout     = errors.New("volume request timeout")
)

// Client is the interface for volume file operations.
type Client interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
	Delete(ctx context.Context, volumePath string) error
}

// HTTPClient implements Client using the Files API.
type HTTPClient struct {
	baseURL string
	root    string
	tokens  auth.TokenSource
	client  *http.Client
}

// NewHTTPClient creates a new volume HTTP client.
func NewHTTPClient(cfg config.VolumeConfig, tokens auth.TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		root:    cfg.Path(),
		tokens:  tokens,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

var unsafeChars = regexp.MustCompile(`[^\w\-]`)

// SanitizeFilename makes a filename safe for volume storage. Spaces become
// underscores, anything outside [A-Za-z0-9_-] in the base name becomes an
// underscore, and the extension is preserved.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, " ", "_")
	ext := path.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	return unsafeChars.ReplaceAllString(name, "_") + ext
}

// Upload PUTs the file under the volume root, overwriting any existing file
// with the same name, and returns the full volume path.
func (c *HTTPClient) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	volumePath := c.root + "/" + SanitizeFilename(filename)

	u := fmt.Sprintf("%s/api/2.0/fs/files%s?overwrite=true", c.baseURL, escapePath(volumePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.authorize(ctx, req); err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return volumePath, nil
	default:
		return "", fmt.Errorf("%w: status %d", ErrVolumeRejected, resp.StatusCode)
	}
}

// Delete removes a file from the volume. Missing files are not an error so
// record cleanup can always proceed.
func (c *HTTPClient) Delete(ctx context.Context, volumePath string) error {
	u := fmt.Sprintf("%s/api/2.0/fs/files%s", c.baseURL, escapePath(volumePath))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: status %d", ErrVolumeRejected, resp.StatusCode)
	}
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetching token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// classifyError maps transport errors to sentinel errors, keeping the cause
// in the chain so callers can still match context cancellation.
func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrVolumeTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrVolumeTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrVolumeUnreachable, err)
}
