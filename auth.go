package chatsync

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
)

const (
	DefaultAPIURL  = "http://localhost:3000/api"
	DefaultTimeout = 30 * time.Second
)

// ErrInvalidCredentials is returned when the auth API rejects a login.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrUserExists is returned when registration is rejected.
var ErrUserExists = errors.New("user with this email already exists")

// ============================================================================
// Auth client
// ============================================================================

// User is the account returned by the auth API.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// AuthResponse is the body of a successful login or registration.
type AuthResponse struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// Credentials converts the response into engine credentials.
func (r *AuthResponse) Credentials() Credentials {
	return Credentials{Token: r.Token, UserID: r.User.ID, Username: r.User.Username}
}

// AuthClient talks to the HTTP auth API that issues bearer tokens for the
// chat server.
type AuthClient struct {
	baseURL    string
	httpClient *http.Client
}

type AuthOption func(*AuthClient)

func WithBaseURL(url string) AuthOption {
	return func(c *AuthClient) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) AuthOption {
	return func(c *AuthClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) AuthOption {
	return func(c *AuthClient) { c.httpClient = client }
}

// NewAuthClient creates an auth API client.
func NewAuthClient(opts ...AuthOption) *AuthClient {
	c := &AuthClient{
		baseURL: DefaultAPIURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges an email and password for a token.
func (c *AuthClient) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	status, data, err := c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("login: %w (status %d)", ErrInvalidCredentials, status)
	}
	return decodeJSON[AuthResponse](data)
}

// Register creates an account and returns its token, logging the user in.
func (c *AuthClient) Register(ctx context.Context, username, email, password string) (*AuthResponse, error) {
	status, data, err := c.doRequest(ctx, http.MethodPost, "/auth/register", map[string]string{
		"name":     username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("register: %w (status %d)", ErrUserExists, status)
	}
	return decodeJSON[AuthResponse](data)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *AuthClient) doRequest(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
