package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Webhook headers.
const (
	HeaderAttemptID   = "X-Watch-Attempt-ID"
	HeaderExecutionID = "X-Watch-Execution-ID"
	HeaderWatchName   = "X-Watch-Name"
	HeaderSignature   = "X-Watch-Signature"
)

const (
	signaturePrefix = "sha256="
	defaultTimeout  = 30 * time.Second
)

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// Send posts the payload signed with HMAC-SHA256 of the body.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderAttemptID, req.AttemptID)
	httpReq.Header.Set(HeaderExecutionID, req.Payload.ExecutionID)
	httpReq.Header.Set(HeaderWatchName, req.Payload.WatchName)
	httpReq.Header.Set(HeaderSignature, Sign(req.Secret, body))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	return signaturePrefix + computeSignature(secret, body)
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against body. Receivers
// use it to authenticate deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	sig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(sig))
}
