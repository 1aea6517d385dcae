// Package storeclient talks to the relay server's REST API: chat history,
// envelope uploads, trips and login.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/petbuddy/internal/models"
	"github.com/pliu/petbuddy/internal/store"
)

// StatusError is a non-2xx reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storeclient: %d %s", e.Code, e.Message)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) FetchEnvelopes(ctx context.Context, ticketID string) ([]models.StoredEnvelope, error) {
	var out models.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(ticketID), nil, &out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		out.Messages = []models.StoredEnvelope{}
	}
	return out.Messages, nil
}

func (c *Client) AppendEnvelope(ctx context.Context, env models.StoredEnvelope) (models.StoredEnvelope, error) {
	req := models.SendRequest{
		TicketID:         env.TicketID,
		SenderID:         env.SenderID,
		SenderName:       env.SenderName,
		EncryptedMessage: env.EncryptedMessage,
	}
	var out models.StoredEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/chat/send", req, &out); err != nil {
		return models.StoredEnvelope{}, err
	}
	return out, nil
}

// GetTrip returns store.ErrNotFound for unknown bookings.
func (c *Client) GetTrip(ctx context.Context, bookingID string) (*models.Trip, error) {
	var trip models.Trip
	if err := c.do(ctx, http.MethodGet, "/api/trips/"+url.PathEscape(bookingID), nil, &trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

func (c *Client) PutTrip(ctx context.Context, trip *models.Trip) error {
	return c.do(ctx, http.MethodPut, "/api/trips/"+url.PathEscape(trip.BookingID), trip, trip)
}

// Login exchanges credentials for a token and remembers it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	creds := models.Credentials{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", creds, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

// Signup registers an account and remembers its token.
func (c *Client) Signup(ctx context.Context, creds models.Credentials) (*models.AuthResponse, error) {
	var out models.AuthResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/signup", creds, &out); err != nil {
		return nil, err
	}
	c.Token = out.Token
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("storeclient: encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("storeclient: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		statusErr := &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		if resp.StatusCode == http.StatusNotFound {
			return errors.Join(store.ErrNotFound, statusErr)
		}
		return statusErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("storeclient: decode %s %s: %w", method, path, err)
	}
	return nil
}
