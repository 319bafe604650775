// Package warehouse executes document-parsing SQL statements against the
// workspace SQL warehouse via the statement execution API.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docpipe/docpipe/internal/auth"
	"github.com/docpipe/docpipe/internal/config"
)

// Sentinel errors for warehouse client failures.
var (
	ErrWarehouseUnreachable = errors.New("warehouse unreachable")
	ErrStatementFailed      = errors.New("statement execution failed")
	ErrStatementTimeout     = errors.New("statement execution timeout")
	ErrNoData               = errors.New("statement returned no data")
)

// Client is the interface for remote document parsing.
type Client interface {
	ParseDocument(ctx context.Context, volumePath string) (*ParseResult, error)
}

// ParseResult is the outcome of one parse statement.
type ParseResult struct {
	StatementID  string
	DocumentText string
}

// HTTPClient implements Client using the statement execution HTTP API.
type HTTPClient struct {
	baseURL      string
	warehouseID  string
	catalog      string
	schema       string
	volume       string
	pollInterval time.Duration
	pollTimeout  time.Duration
	tokens       auth.TokenSource
	client       *http.Client
}

// NewHTTPClient creates a new warehouse HTTP client.
func NewHTTPClient(cfg config.WarehouseConfig, vol config.VolumeConfig, tokens auth.TokenSource) *HTTPClient {
	return &HTTPClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		warehouseID:  cfg.WarehouseID,
		catalog:      vol.Catalog,
		schema:       vol.Schema,
		volume:       vol.Name,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		tokens:       tokens,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

type statementStatus struct {
	State string `json:"state"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type statementResponse struct {
	StatementID string          `json:"statement_id"`
	Status      statementStatus `json:"status"`
	Result      *struct {
		DataArray [][]*string `json:"data_array"`
	} `json:"result"`
}

// ParseDocument runs the parse statement for the given volume file, polling
// until the statement leaves PENDING/RUNNING or the poll timeout elapses.
// Extracted images land under parsed_images/ in the same volume.
func (c *HTTPClient) ParseDocument(ctx context.Context, volumePath string) (*ParseResult, error) {
	stmt, err := c.submit(ctx, volumePath)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.pollTimeout)
	for stmt.Status.State == "PENDING" || stmt.Status.State == "RUNNING" {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: statement %s still %s after %s",
				ErrStatementTimeout, stmt.StatementID, stmt.Status.State, c.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		stmt, err = c.poll(ctx, stmt.StatementID)
		if err != nil {
			return nil, err
		}
	}

	if stmt.Status.State != "SUCCEEDED" {
		msg := "unknown error"
		if stmt.Status.Error != nil && stmt.Status.Error.Message != "" {
			msg = stmt.Status.Error.Message
		}
		return nil, fmt.Errorf("%w: statement %s %s: %s", ErrStatementFailed, stmt.StatementID, stmt.Status.State, msg)
	}

	if stmt.Result == nil || len(stmt.Result.DataArray) == 0 {
		return nil, fmt.Errorf("%w: statement %s", ErrNoData, stmt.StatementID)
	}
	row := stmt.Result.DataArray[0]
	if len(row) < 2 || row[1] == nil || *row[1] == "" {
		return nil, fmt.Errorf("%w: no document text in statement %s", ErrNoData, stmt.StatementID)
	}

	return &ParseResult{StatementID: stmt.StatementID, DocumentText: *row[1]}, nil
}

func (c *HTTPClient) submit(ctx context.Context, volumePath string) (*statementResponse, error) {
	imageOutputPath := fmt.Sprintf("/Volumes/%s/%s/%s/parsed_images/", c.catalog, c.schema, c.volume)
	sql := fmt.Sprintf(`WITH parsed_documents AS (
    SELECT
      path,
      ai_parse_document(
        content,
        map(
          'imageOutputPath', '%s',
          'descriptionElementTypes', '*'
        )
      ) AS parsed
    FROM READ_FILES('%s', format => 'binaryFile')
)
SELECT
  path,
  concat_ws(
    '\n\n',
    transform(
      try_cast(parsed:document:elements AS ARRAY<VARIANT>),
      element -> try_cast(element:content AS STRING)
    )
  ) AS document_text,
  parsed
FROM parsed_documents
WHERE try_cast(parsed:error_status AS STRING) IS NULL`, imageOutputPath, volumePath)

	body, err := json.Marshal(map[string]string{
		"statement":    sql,
		"warehouse_id": c.warehouseID,
		"catalog":      c.catalog,
		"schema":       c.schema,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding statement request: %w", err)
	}

	u := c.baseURL + "/api/2.0/sql/statements"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req)
}

func (c *HTTPClient) poll(ctx context.Context, statementID string) (*statementResponse, error) {
	u := c.baseURL + "/api/2.0/sql/statements/" + statementID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.do(ctx, req)
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request) (*statementResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrStatementFailed, resp.StatusCode)
	}

	var stmt statementResponse
	if err := json.NewDecoder(resp.Body).Decode(&stmt); err != nil {
		return nil, fmt.Errorf("decoding statement response: %w", err)
	}
	return &stmt, nil
}

// classifyError maps transport errors to sentinel errors, keeping the cause
// in the chain so callers can still match context cancellation.
func classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrStatementTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStatementTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrWarehouseUnreachable, err)
}
