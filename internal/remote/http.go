package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	maxResponseBytes = 1 << 20
	tokenLifetime    = 5 * time.Minute
	tokenIssuer      = "posqueue"
)

type HTTPConfig struct {
	BaseURL  string
	Timeout  time.Duration
	DeviceID string
	// SigningKey enables a short-lived HS256 bearer token per request.
	SigningKey string
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	RateBurst int
}

// HTTPClient posts JSON to a real sync server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	deviceID   string
	signingKey []byte
	limiter    *rate.Limiter
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		deviceID:   cfg.DeviceID,
	}
	if cfg.SigningKey != "" {
		c.signingKey = []byte(cfg.SigningKey)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// DeviceClaims identify the posting device to the sync server.
type DeviceClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
}

func (c *HTTPClient) token() (string, error) {
	now := time.Now()
	claims := &DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   c.deviceID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		DeviceID: c.deviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
}

func (c *HTTPClient) Post(ctx context.Context, path string, body any) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Endpoint: path, Message: fmt.Sprintf("rate limit wait: %v", err)}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Endpoint: path, Message: fmt.Sprintf("marshal body: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Endpoint: path, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	if c.signingKey != nil {
		token, err := c.token()
		if err != nil {
			return nil, &Error{Endpoint: path, Message: fmt.Sprintf("sign token: %v", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: path, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if out.Status != StatusSuccess {
		return nil, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: fmt.Sprintf("API returned status: %s", out.Status)}
	}
	return &out, nil
}

// ParseDeviceToken verifies a token produced by HTTPClient. Sync servers and
// tests use it to check the caller.
func ParseDeviceToken(tokenString string, key []byte) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
