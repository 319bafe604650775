package warehouse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/auth"
	"github.com/docpipe/docpipe/internal/config"
)

func testClient(srv *httptest.Server, pollTimeout time.Duration) *HTTPClient {
	return NewHTTPClient(
		config.WarehouseConfig{
			BaseURL:      srv.URL,
			WarehouseID:  "wh-1",
			PollInterval: 10 * time.Millisecond,
			PollTimeout:  pollTimeout,
		},
		config.VolumeConfig{Catalog: "main", Schema: "docs", Name: "inbox"},
		auth.StaticToken("test-token"),
	)
}

func stmtJSON(id, state string, text *string) map[string]any {
	resp := map[string]any{
		"statement_id": id,
		"status":       map[string]any{"state": state},
	}
	if state == "SUCCEEDED" {
		resp["result"] = map[string]any{
			"data_array": [][]*string{{ptr("/Volumes/main/docs/inbox/doc.pdf"), text, nil}},
		}
	}
	return resp
}

func ptr(s string) *string { return &s }

func TestParseDocument_SubmitAndPoll(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Contains(t, body["statement"], "ai_parse_document")
			assert.Contains(t, body["statement"], "/Volumes/main/docs/inbox/doc.pdf")
			assert.Equal(t, "wh-1", body["warehouse_id"])
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(stmtJSON("stmt-1", "PENDING", nil))
		case r.Method == http.MethodGet:
			require.Equal(t, "/api/2.0/sql/statements/stmt-1", r.URL.Path)
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(stmtJSON("stmt-1", "RUNNING", nil))
				return
			}
			json.NewEncoder(w).Encode(stmtJSON("stmt-1", "SUCCEEDED", ptr("Loan application for Jane Doe")))
		}
	}))
	defer srv.Close()

	got, err := testClient(srv, time.Minute).ParseDocument(context.Background(), "/Volumes/main/docs/inbox/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, "stmt-1", got.StatementID)
	assert.Equal(t, "Loan application for Jane Doe", got.DocumentText)
	assert.Equal(t, int64(3), polls.Load())
}

func TestParseDocument_StatementFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"statement_id": "stmt-2",
			"status": map[string]any{
				"state": "FAILED",
				"error": map[string]any{"message": "volume file not found"},
			},
		})
	}))
	defer srv.Close()

	_, err := testClient(srv, time.Minute).ParseDocument(context.Background(), "/Volumes/main/docs/inbox/doc.pdf")
	require.ErrorIs(t, err, ErrStatementFailed)
	assert.Contains(t, err.Error(), "volume file not found")
}

func TestParseDocument_PollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stmtJSON("stmt-3", "RUNNING", nil))
	}))
	defer srv.Close()

	_, err := testClient(srv, 30*time.Millisecond).ParseDocument(context.Background(), "/Volumes/main/docs/inbox/doc.pdf")
	assert.ErrorIs(t, err, ErrStatementTimeout)
}

func TestParseDocument_NoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stmtJSON("stmt-4", "SUCCEEDED", ptr("")))
	}))
	defer srv.Close()

	_, err := testClient(srv, time.Minute).ParseDocument(context.Background(), "/Volumes/main/docs/inbox/doc.pdf")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestParseDocument_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stmtJSON("stmt-5", "PENDING", nil))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(srv, time.Minute).ParseDocument(ctx, "/Volumes/main/docs/inbox/doc.pdf")
	assert.ErrorIs(t, err, context.Canceled)
}
