package render

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve runs h for one request and returns status, content type and body
func serve(t *testing.T, h http.HandlerFunc, body string) (int, string, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	data, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	return rec.Code, rec.Header().Get("Content-Type"), string(data)
}

func TestJSONStatus(t *testing.T) {
	code, contentType, body := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		JSONStatus(w, map[string]any{"success": false, "message": "Gateway timeout"}, http.StatusGatewayTimeout)
	}, "")

	require.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "application/json; charset=utf-8", contentType)
	assert.JSONEq(t, `{"success": false, "message": "Gateway timeout"}`, body)

	t.Run("unencodable value", func(t *testing.T) {
		code, _, _ := serve(t, func(w http.ResponseWriter, _ *http.Request) {
			JSONStatus(w, map[string]any{"bad": make(chan int)}, http.StatusOK)
		}, "")

		require.Equal(t, http.StatusInternalServerError, code)
	})
}

func TestServiceError(t *testing.T) {
	code, _, body := serve(t, func(w http.ResponseWriter, _ *http.Request) {
		ServiceError(w, "Idempotency-Key does not match", http.StatusBadRequest)
	}, "")

	require.Equal(t, http.StatusBadRequest, code)
	assert.JSONEq(t, `{
		"success": false,
		"error": "service_error",
		"message": "Idempotency-Key does not match"
	}`, body)
}

func TestBindAndValidate(t *testing.T) {
	type transfer struct {
		ID        string `json:"id" validate:"required,txid"`
		Cents     int64  `json:"cents" validate:"gt=0"`
		Recipient string `json:"recipient" validate:"max=3"`
		Note      string `json:"note" validate:"omitempty,min=2"`
		Email     string `json:"email" validate:"omitempty,email"`
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 128)
		v, err := BindAndValidate[transfer](w, r)
		if err != nil {
			return
		}
		JSON(w, map[string]any{"id": v.ID})
	}

	tests := []struct {
		name     string
		body     string
		status   int
		expected string
	}{
		{
			name:     "valid",
			body:     `{"id": "tx-1", "cents": 100}`,
			status:   http.StatusOK,
			expected: `{"id": "tx-1"}`,
		},
		{
			name:   "broken json",
			body:   `invalid-json`,
			status: http.StatusBadRequest,
			expected: `{
				"success": false,
				"error": "decoding_failed",
				"message": "Failed to parse JSON: invalid character 'i' looking for beginning of value"
			}`,
		},
		{
			name:   "wrong type",
			body:   `{"id": "tx-1", "cents": "ten"}`,
			status: http.StatusBadRequest,
			expected: `{
				"success": false,
				"error": "decoding_failed",
				"message": "Invalid data type for field 'cents'"
			}`,
		},
		{
			name:   "too large",
			body:   `{"id": "` + strings.Repeat("x", 200) + `"}`,
			status: http.StatusBadRequest,
			expected: `{
				"success": false,
				"error": "decoding_failed",
				"message": "Request body exceeds 128 bytes"
			}`,
		},
		{
			name:   "every rule explained by json name",
			body:   `{"cents": -1, "recipient": "alice", "note": "x", "email": "nope"}`,
			status: http.StatusUnprocessableEntity,
			expected: `{
				"success": false,
				"error": "validation_failed",
				"message": "Request validation failed",
				"fields": {
					"id": "This field is required",
					"cents": "Value must be greater than 0",
					"recipient": "Value is too long (maximum 3)",
					"note": "Value is too short (minimum 2)",
					"email": "Invalid value"
				}
			}`,
		},
		{
			name:   "id unfit for a header",
			body:   `{"id": "tx 1", "cents": 1}`,
			status: http.StatusUnprocessableEntity,
			expected: `{
				"success": false,
				"error": "validation_failed",
				"message": "Request validation failed",
				"fields": {"id": "Value must be printable ASCII without spaces"}
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, contentType, body := serve(t, handler, tt.body)

			require.Equalf(t, tt.status, code, "body: %s", body)
			assert.Equal(t, "application/json; charset=utf-8", contentType)
			assert.JSONEq(t, tt.expected, body)
		})
	}
}

func TestValidateTransactionID(t *testing.T) {
	type payload struct {
		ID string `validate:"txid"`
	}

	for _, ok := range []string{"tx-1", "550e8400-e29b-41d4-a716-446655440000", "a_b.c:d"} {
		require.NoError(t, validate.Struct(payload{ID: ok}), ok)
	}
	for _, bad := range []string{"", "tx 1", "tx\t1", "tx\n", "plata-ñ"} {
		require.Error(t, validate.Struct(payload{ID: bad}), "%q", bad)
	}
}
