package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type served struct {
	msg    string
	fields map[string]any
}

// captureLogger keeps every Info call with its key/value pairs folded into a map
type captureLogger struct {
	lines []served
}

func (c *captureLogger) Info(msg string, args ...any) {
	fields := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		fields[args[i].(string)] = args[i+1]
	}
	c.lines = append(c.lines, served{msg: msg, fields: fields})
}

func TestLoggerMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		key      string
		handler  http.HandlerFunc
		status   int
		size     int
		clientID string
	}{
		{
			name:   "explicit status and body",
			method: http.MethodPost,
			target: "/api/v1/transactions",
			key:    "tx-42",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusGatewayTimeout)
				_, _ = w.Write([]byte("hi"))
			},
			status:   http.StatusGatewayTimeout,
			size:     2,
			clientID: "tx-42",
		},
		{
			name:   "implicit ok without idempotency key",
			method: http.MethodGet,
			target: "/health?verbose=1",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"status":"ok"}`))
			},
			status: http.StatusOK,
			size:   len(`{"status":"ok"}`),
		},
		{
			name:     "nothing written",
			method:   http.MethodPost,
			target:   "/api/v1/transactions/status",
			key:      "tx-7",
			handler:  func(http.ResponseWriter, *http.Request) {},
			status:   http.StatusOK,
			size:     0,
			clientID: "tx-7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &captureLogger{}

			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(""))
			if tt.key != "" {
				req.Header.Set("Idempotency-Key", tt.key)
			}
			rec := httptest.NewRecorder()

			LoggerMiddleware(log)(tt.handler).ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			require.Len(t, log.lines, 1, "one line per request")

			line := log.lines[0]
			assert.Equal(t, "HTTP request served", line.msg)
			assert.Equal(t, tt.method, line.fields["method"])
			assert.Equal(t, tt.target, line.fields["uri"])
			assert.Equal(t, tt.clientID, line.fields["client_id"])
			assert.Equal(t, tt.status, line.fields["status"])
			assert.Equal(t, tt.size, line.fields["size"])
			assert.IsType(t, time.Duration(0), line.fields["duration"])
		})
	}
}
