package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/consistency/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		data     interface{}
		wantBody string
	}{
		{name: "object", status: http.StatusOK, data: map[string]int{"shards": 4}, wantBody: `{"shards":4}`},
		{name: "empty object", status: http.StatusAccepted, data: struct{}{}, wantBody: `{}`},
		{name: "nil", status: http.StatusOK, data: nil, wantBody: `null`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()

			RespondWithJSON(w, req, tc.status, tc.data)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.JSONEq(t, tc.wantBody, w.Body.String())
		})
	}
}

type cyclic struct {
	Next *cyclic
}

func TestRespondWithJSONEncodingError(t *testing.T) {
	t.Parallel()

	var logBuf strings.Builder
	log := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(logger.WithLogger(req.Context(), log))
	w := httptest.NewRecorder()

	data := &cyclic{}
	data.Next = data
	RespondWithJSON(w, req, http.StatusOK, data)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, logBuf.String(), "failed to encode JSON response")
}

func TestRespondWithErrorAndLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		message   string
		err       error
		opts      []ResponseOption
		wantLevel string
	}{
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			message:   "Failed to record order message",
			err:       errors.New("connection refused"),
			wantLevel: "level=ERROR",
		},
		{
			name:      "client error",
			status:    http.StatusBadRequest,
			message:   "Invalid request format",
			err:       errors.New("unexpected EOF"),
			wantLevel: "level=DEBUG",
		},
		{
			name:      "client error from a peer",
			status:    http.StatusBadRequest,
			message:   "Invalid PeerID: failed on 'required'",
			err:       errors.New("Key: 'HeartbeatRequest.PeerID'"),
			opts:      []ResponseOption{WithElevatedLogLevel()},
			wantLevel: "level=WARN",
		},
		{
			name:      "elevation does not touch server errors",
			status:    http.StatusServiceUnavailable,
			message:   "Unavailable",
			err:       errors.New("draining"),
			opts:      []ResponseOption{WithElevatedLogLevel()},
			wantLevel: "level=ERROR",
		},
		{
			name:      "no error value",
			status:    http.StatusNotFound,
			message:   "Not found",
			wantLevel: "level=DEBUG",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var logBuf strings.Builder
			log := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			ctx := logger.WithLogger(WithTraceID(context.Background(), "trace-7"), log)
			req := httptest.NewRequest(http.MethodPost, "/leader/heartbeat", nil).WithContext(ctx)
			w := httptest.NewRecorder()

			RespondWithErrorAndLog(w, req, tc.status, tc.message, tc.err, tc.opts...)

			assert.Equal(t, tc.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.message, resp.Error)
			assert.Equal(t, "trace-7", resp.TraceID)
			assert.Zero(t, resp.Code, "status code is not serialized")

			out := logBuf.String()
			assert.Contains(t, out, tc.wantLevel)
			assert.Contains(t, out, "trace_id=trace-7")
			if tc.err != nil {
				assert.Contains(t, out, "error_type=")
			} else {
				assert.NotContains(t, out, "error_type=")
			}
		})
	}
}
