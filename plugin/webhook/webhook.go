// Package webhook posts device actions to an automation endpoint such as a
// home hub's incoming webhook.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Router-Signature"

// DefaultTimeout bounds a request when no client is supplied.
const DefaultTimeout = 10 * time.Second

// maxReplyBytes caps how much of a reply is read.
const maxReplyBytes = 64 << 10

// Payload is the JSON body sent to the endpoint.
type Payload struct {
	Domain    string `json:"domain"`
	Action    string `json:"action"`
	Target    string `json:"target"`
	Value     string `json:"value,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Client delivers payloads to one endpoint.
type Client struct {
	url    string
	secret []byte
	http   *http.Client
}

// NewClient creates a client for url. A non-empty secret signs every body.
func NewClient(url, secret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	c := &Client{url: url, http: httpClient}
	if secret != "" {
		c.secret = []byte(secret)
	}
	return c
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send posts p. A non-2xx status or a JSON reply with a non-zero code is an
// error; empty and plain-text replies are accepted.
func (c *Client) Send(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to encode webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to build webhook request to %s", c.url)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != nil {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to post webhook to %s", c.url)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return errors.Wrapf(err, "failed to read webhook reply from %s", c.url)
	}
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("webhook %s answered %d: %s", c.url, resp.StatusCode, bytes.TrimSpace(reply))
	}
	return checkReply(reply)
}

func checkReply(reply []byte) error {
	reply = bytes.TrimSpace(reply)
	if len(reply) == 0 || reply[0] != '{' {
		return nil
	}
	var ack struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(reply, &ack); err != nil {
		return nil
	}
	if ack.Code != 0 {
		return errors.Errorf("webhook rejected the action (code %d): %s", ack.Code, ack.Message)
	}
	return nil
}
