package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

const maxDrain = 64 << 10

// Sender posts CloudEvents in structured mode, mirroring the context
// attributes as Ce-* headers so receivers can route without parsing the body.
type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     time.Minute,
			},
		},
		userAgent: "autosubmit",
	}
}

// SendOptions controls how a CloudEvent is sent.
type SendOptions struct {
	// SigningKey, when set, signs the body into SignatureHeader.
	SigningKey string
}

// Send delivers event to url with a POST. Any 2xx answer is success.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	setHeaders(req.Header, event)
	req.Header.Set("User-Agent", s.userAgent)
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, generateSignature(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))

	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func setHeaders(h http.Header, event *CloudEvent) {
	h.Set("Content-Type", "application/cloudevents+json")
	h.Set("Ce-Specversion", event.SpecVersion)
	h.Set("Ce-Id", event.ID)
	h.Set("Ce-Type", event.Type)
	h.Set("Ce-Source", event.Source)
	h.Set("Ce-Time", event.Time.Format(time.RFC3339Nano))
	if event.Subject != "" {
		h.Set("Ce-Subject", event.Subject)
	}
}

// Sign computes the SignatureHeader value a receiver should expect for event.
func Sign(event *CloudEvent, key string) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	return generateSignature(body, key), nil
}

func generateSignature(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// parseRetryAfter accepts delay seconds only; HTTP dates are ignored.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// HTTPError is a non-2xx answer from a receiver.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("receiver answered HTTP %d, retry after %s", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("receiver answered HTTP %d", e.StatusCode)
}

// IsClientError reports a 4xx answer that will not change on retry.
// 408 and 429 are left retryable.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}

// RetryAfter returns the delay a receiver asked for, or zero.
func RetryAfter(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}
