// services/auth_service_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"soullink-events/logging"
)

type AuthServiceClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Logger  *zap.Logger
}

type ValidateResponse struct {
	PlayerID  string    `json:"player_id"`
	RunID     string    `json:"run_id"`
	Roles     []string  `json:"roles"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewAuthServiceClient(baseURL, token string, logger *zap.Logger) *AuthServiceClient {
	return &AuthServiceClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
		Logger: logging.OrNop(logger),
	}
}

// ValidateSession calls /auth/validate on the auth service. A 401 or 403 from the auth
// service means the session is invalid or expired; other failures are infrastructure errors.
func (c *AuthServiceClient) ValidateSession(ctx context.Context, sessionToken string) (*ValidateResponse, error) {
	url := fmt.Sprintf("%s/auth/validate", c.BaseURL)

	jsonData, err := json.Marshal(map[string]string{"session_token": sessionToken})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token) // service → auth service token

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		c.Logger.Warn("[AUTH] /auth/validate failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, fmt.Errorf("auth validation failed: %d", resp.StatusCode)
	}

	var out ValidateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if out.PlayerID == "" {
		return nil, ErrUnauthenticated
	}
	if !out.ExpiresAt.IsZero() && time.Now().After(out.ExpiresAt) {
		return nil, ErrUnauthenticated
	}
	return &out, nil
}
