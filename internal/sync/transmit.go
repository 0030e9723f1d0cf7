package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	apperrors "github.com/psconsult/offline/internal/errors"
)

// DefaultSubmitPath is the remote endpoint that creates a consult without a
// signed-in user. Both create endpoints deduplicate on client_id.
const DefaultSubmitPath = "/api/consults/public"

// HTTPTransmitter posts submission payloads to the remote API.
// The server deduplicates on the embedded client_id, so a retried payload
// that was already stored comes back as a 2xx and counts as success.
type HTTPTransmitter struct {
	http *resty.Client
	path string
}

// NewHTTPTransmitter creates a transmitter for the API at baseURL.
// timeout bounds each request; a timed out request is a transient failure.
func NewHTTPTransmitter(baseURL, path string, timeout time.Duration) *HTTPTransmitter {
	if path == "" {
		path = DefaultSubmitPath
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPTransmitter{http: c, path: path}
}

// SetHeaders sets headers sent with every submission, such as Authorization
// when the submit path requires a signed-in user.
func (t *HTTPTransmitter) SetHeaders(headers map[string]string) *HTTPTransmitter {
	t.http.SetHeaders(headers)
	return t
}

// Transmit implements Transmitter.
func (t *HTTPTransmitter) Transmit(ctx context.Context, payload json.RawMessage) error {
	rr, err := t.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody([]byte(payload)).
		Post(t.path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransmitFailed, "transmit failed", err)
	}
	return classifyResponse(rr.StatusCode(), rr.Status(), rr.String())
}

// classifyResponse maps a remote status to nil, a transient failure or a rejection.
func classifyResponse(code int, status, body string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return apperrors.Newf(apperrors.ErrTransmitFailed, "remote busy: %s", status)
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		// a missing or expired session says nothing about the payload
		return apperrors.Newf(apperrors.ErrTransmitFailed, "remote refused credentials: %s", status)
	case code >= 400 && code < 500:
		return apperrors.Newf(apperrors.ErrTransmitRejected, "remote rejected submission: %s; body: %s", status, abbreviate(body, 200))
	default:
		return apperrors.Newf(apperrors.ErrTransmitFailed, "remote error: %s", status)
	}
}

func abbreviate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
