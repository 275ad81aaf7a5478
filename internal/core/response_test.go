package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signaldesk/internal/types"
)

func TestJSON_WritesEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(rr, req, http.StatusOK, APIResponse{Data: map[string]string{"hello": "world"}})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"hello":"world"}}`, rr.Body.String())
}

func TestError_AppErrorMapsToStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       types.ErrorCode
		wantStatus int
	}{
		{"validation", types.ErrCodeValidationInvalidJSON, http.StatusBadRequest},
		{"not found", types.ErrCodeNotFoundNotification, http.StatusNotFound},
		{"conflict", types.ErrCodeConflictRuleVersion, http.StatusConflict},
		{"rate limited", types.ErrCodeUpstreamRateLimit, http.StatusTooManyRequests},
		{"upstream", types.ErrCodeUpstreamChannel, http.StatusBadGateway},
		{"internal", types.ErrCodeInternalDB, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))

			Error(rr, req, types.NewAppError(tt.code, "boom", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)

			var resp APIErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, string(tt.code), resp.Error.Code)
			assert.Equal(t, "req-1", resp.Error.RequestID)
		})
	}
}

func TestError_UnknownErrorIsOpaque500(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(rr, req, errors.New("pgx: connection refused at 10.0.0.3"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "10.0.0.3")

	var resp APIErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), resp.Error.Code)
}

func TestError_WrappedAppErrorUnwraps(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	inner := types.NewAppError(types.ErrCodeNotFoundRule, "rule not found", nil)
	Error(rr, req, errors.Join(errors.New("context"), inner))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type decodeTarget struct {
	Name string `json:"name"`
}

func decodeString(t *testing.T, body string) error {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dst decodeTarget
	return DecodeJSON(httptest.NewRecorder(), req, &dst)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"a"}`, false},
		{"malformed", `{"name":`, true},
		{"unknown field", `{"nope":1}`, true},
		{"empty body", ``, true},
		{"wrong type", `{"name":42}`, true},
		{"trailing value", `{"name":"a"}{"name":"b"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeString(t, tt.body)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
		})
	}
}

func TestDecodeJSON_OversizedBody(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxRequestBodySize+1)
	body := `{"name":"` + string(big) + `"}`

	err := decodeString(t, body)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
	assert.Contains(t, appErr.Message, "1MB")
}

func TestValidator_FieldDetails(t *testing.T) {
	type form struct {
		Email string `json:"email" validate:"required,email"`
		Limit int    `json:"limit" validate:"min=1"`
	}

	v := NewValidator()
	err := v.ValidateStruct(&form{Email: "not-an-email", Limit: 0})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
	assert.Contains(t, appErr.Details, "Email")
	assert.Contains(t, appErr.Details, "Limit")
}

func TestValidator_Passes(t *testing.T) {
	type form struct {
		Email string `validate:"required,email"`
	}
	v := NewValidator()
	assert.NoError(t, v.ValidateStruct(&form{Email: "ops@example.com"}))
}
