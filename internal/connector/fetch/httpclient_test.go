package fetch

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/syncd/internal/synerr"
)

func newResponse(t *testing.T, status int, body string, headers map[string]string) *http.Response {
	t.Helper()
	rec := httptest.NewRecorder()
	for k, v := range headers {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(status)
	rec.Body.WriteString(body)
	return rec.Result()
}

func TestClassifyResponse_SuccessIsNil(t *testing.T) {
	resp := newResponse(t, 200, "ok", nil)
	assert.NoError(t, ClassifyResponse(resp))
}

func TestClassifyResponse_ServerErrorIsRetryable(t *testing.T) {
	resp := newResponse(t, 503, "unavailable", nil)
	err := ClassifyResponse(resp)
	require.Error(t, err)
	assert.Equal(t, synerr.Retryable, synerr.Classify(err))
}

func TestClassifyResponse_TooManyRequestsCarriesRetryAfter(t *testing.T) {
	resp := newResponse(t, 429, "slow down", map[string]string{"Retry-After": "42"})
	err := ClassifyResponse(resp)
	require.Error(t, err)
	var se *synerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, synerr.RateLimited, se.Class)
	assert.Equal(t, 42, se.RetryAfter)
}

func TestClassifyResponse_UnauthorizedIsPermanentAuthFailure(t *testing.T) {
	resp := newResponse(t, 401, "nope", nil)
	err := ClassifyResponse(resp)
	require.Error(t, err)
	var se *synerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, synerr.CodeAuthFailed, se.Code)
	assert.Equal(t, synerr.Permanent, se.Class)
}

func TestClassifyResponse_OtherClientErrorIsPermanent(t *testing.T) {
	resp := newResponse(t, 400, "bad request", nil)
	err := ClassifyResponse(resp)
	assert.Equal(t, synerr.Permanent, synerr.Classify(err))
}

func TestParseRetryAfter_MissingHeaderIsZero(t *testing.T) {
	assert.Equal(t, 0, parseRetryAfter(""))
}

func TestParseRetryAfter_NonNumericDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
}

func TestNewHTTPClient_DefaultsTimeoutWhenUnset(t *testing.T) {
	c := NewHTTPClient(0)
	assert.Equal(t, 30_000_000_000, int(c.Timeout))
}
