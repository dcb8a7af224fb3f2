package authapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ledgerline/session-core/internal/infrastructure/config"
)

const defaultTimeout = 15 * time.Second

// maxErrorBodySize caps how much of an error response we read when
// extracting the server's message.
const maxErrorBodySize = 4 << 10

// Client talks to the Ledgerline auth backend.
//
// Thread Safety: all methods are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a backend client from configuration.
func New(cfg config.BackendConfig) *Client {
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for dev environments
		transport = t
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Login submits credentials bound to a device identity.
//
// Returns:
//   - LoginOutcome: LoginSuccess with tokens, or MFARequired with a
//     pending challenge
//   - error: *BackendError on rejection (server message verbatim),
//     ErrUnreachable on transport failure
func (c *Client) Login(ctx context.Context, email, password, deviceID string) (LoginOutcome, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
		"deviceId": deviceID,
	}

	raw, err := c.postJSON(ctx, "/auth/login", "", body)
	if err != nil {
		return nil, err
	}

	// The two login shapes share no fields; mfaRequired discriminates.
	var peek struct {
		MFARequired bool `json:"mfaRequired"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	if peek.MFARequired {
		var mfa MFARequired
		if err := json.Unmarshal(raw, &mfa); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		return mfa, nil
	}

	var success LoginSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if success.AccessToken == "" || success.RefreshToken == "" {
		return nil, fmt.Errorf("%w: login response missing tokens", ErrInvalidResponse)
	}
	return success, nil
}

// VerifyMFA submits a second-factor code against the pending challenge.
// The bearer token is the pre-MFA token when the backend issued one,
// empty otherwise.
func (c *Client) VerifyMFA(ctx context.Context, bearer, code, method string) (bool, error) {
	raw, err := c.postJSON(ctx, "/auth/verify-mfa", bearer, map[string]string{
		"code":   code,
		"method": method,
	})
	if err != nil {
		return false, err
	}

	var resp struct {
		Verified bool `json:"verified"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return resp.Verified, nil
}

// Refresh exchanges the refresh token for a new token pair. The device
// identity travels with the request so the backend can reject a token
// replayed from another machine.
func (c *Client) Refresh(ctx context.Context, refreshToken, deviceID string) (*TokenPair, error) {
	raw, err := c.postJSON(ctx, "/auth/refresh", "", map[string]string{
		"refresh_token": refreshToken,
		"deviceId":      deviceID,
	})
	if err != nil {
		return nil, err
	}

	var pair TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing tokens", ErrInvalidResponse)
	}
	return &pair, nil
}

// Logout tells the backend the session is over. Best-effort by
// contract: the caller ignores the error, local teardown proceeds
// regardless.
func (c *Client) Logout(ctx context.Context, bearer, deviceID string) error {
	_, err := c.postJSON(ctx, "/auth/logout", bearer, map[string]string{
		"deviceId": deviceID,
	})
	return err
}

// UpdateKYC uploads verification documents as a multipart request and
// returns the backend's updated view of the user.
func (c *Client) UpdateKYC(ctx context.Context, bearer string, documents []Document) (*User, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, doc := range documents {
		part, err := writer.CreateFormFile(doc.Name, doc.Filename)
		if err != nil {
			return nil, fmt.Errorf("building KYC upload: %w", err)
		}
		if _, err := part.Write(doc.Content); err != nil {
			return nil, fmt.Errorf("building KYC upload: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("building KYC upload: %w", err)
	}

	raw, err := c.post(ctx, "/kyc/update", bearer, writer.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	var resp struct {
		User User `json:"user"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return &resp.User, nil
}

// postJSON sends a JSON body and returns the raw 2xx response body.
func (c *Client) postJSON(ctx context.Context, path, bearer string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return c.post(ctx, path, bearer, "application/json", bytes.NewReader(encoded))
}

func (c *Client) post(ctx context.Context, path, bearer, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeBackendError(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrInvalidResponse, err)
	}
	return raw, nil
}

// decodeBackendError extracts the server's message from a non-2xx
// response. The backend answers {"error": "..."} but older deployments
// used {"message": "..."}; either is carried verbatim.
func decodeBackendError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize)) //nolint:errcheck // best-effort message extraction

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	message := ""
	if json.Unmarshal(raw, &payload) == nil {
		message = payload.Error
		if message == "" {
			message = payload.Message
		}
	}

	return &BackendError{StatusCode: resp.StatusCode, Message: message}
}
