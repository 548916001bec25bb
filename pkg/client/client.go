// Package client talks to the phonebox HTTP API. It satisfies the directory
// and message store interfaces of the messaging exchange, so encryption and
// decryption stay on the device.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/discovery"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/internal/ratelimit"
	"github.com/kindlyrobotics/phonebox/pkg/api"
)

type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 10s
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the session token sent on authenticated calls
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) Token() string { return c.token }

// SendOTP asks the server to text a verification code to phone
func (c *Client) SendOTP(ctx context.Context, phone string) (string, error) {
	var resp api.SendOTPResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/send-otp", &api.SendOTPRequest{Phone: phone}, &resp); err != nil {
		return "", err
	}
	return resp.ChallengeID, nil
}

// VerifyOTP checks the code and, on success, keeps the session token
func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (*api.VerifyOTPResponse, error) {
	var resp api.VerifyOTPResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/verify-otp", &api.VerifyOTPRequest{Phone: phone, Code: code}, &resp); err != nil {
		return nil, err
	}
	c.token = resp.Token
	return &resp, nil
}

func (c *Client) PublicKey(ctx context.Context, userID uuid.UUID) (*[crypto.KeySize]byte, error) {
	var resp api.PublicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/"+userID.String()+"/public-key", nil, &resp); err != nil {
		return nil, err
	}
	return crypto.DecodeKey(resp.PublicKey)
}

// Lookup returns the registered users among phones
func (c *Client) Lookup(ctx context.Context, phones ...string) ([]discovery.Match, error) {
	var resp api.LookupResponse
	if err := c.do(ctx, http.MethodPost, "/api/users/lookup", &api.LookupRequest{Phones: phones}, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (c *Client) SetDisplayName(ctx context.Context, name string) (string, error) {
	var resp api.DisplayNameResponse
	if err := c.do(ctx, http.MethodPost, "/api/users/me/display-name", &api.DisplayNameRequest{DisplayName: name}, &resp); err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

func (c *Client) DisplayName(ctx context.Context) (string, error) {
	var resp api.DisplayNameResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/me/display-name", nil, &resp); err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

// CreateMessage uploads an encrypted message. The server takes the sender
// from the session token, so msg.SenderID is not sent.
func (c *Client) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	req := &api.SendMessageRequest{
		ReceiverID: msg.ReceiverID.String(),
		Scheme:     string(msg.Scheme),
		Ciphertext: msg.Ciphertext,
		Nonce:      msg.Nonce,
	}
	var resp api.SendMessageResponse
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &resp); err != nil {
		return nil, err
	}

	stored := *msg
	stored.ID = resp.ID
	return &stored, nil
}

// ListMessages returns the messages of the session user. viewerID must match it.
func (c *Client) ListMessages(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error) {
	var resp api.ListMessagesResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// responseError turns an error response back into the sentinel the server mapped
func responseError(resp *http.Response) error {
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil || body.Error == "" {
		body.Error = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		sentinel = common.ErrInvalidInput
	case http.StatusUnauthorized:
		sentinel = common.ErrUnauthorized
		if strings.Contains(body.Error, common.ErrOTPNotApproved.Error()) {
			sentinel = common.ErrOTPNotApproved
		}
	case http.StatusNotFound:
		sentinel = common.ErrNotFound
	case http.StatusTooManyRequests:
		sentinel = ratelimit.ErrRateLimited
	default:
		return errors.New("server error: " + body.Error)
	}
	if body.Error == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, body.Error)
}
