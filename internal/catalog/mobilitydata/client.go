// Package mobilitydata lists GTFS-Realtime vehicle position feeds from the
// Mobility Database API.
package mobilitydata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// DefaultBaseURL is the public Mobility Database API.
const DefaultBaseURL = "https://api.mobilitydatabase.org"

const (
	defaultPageSize = 999
	maxErrorBody    = 4 << 10
)

// Config configures the catalog client.
type Config struct {
	BaseURL      string
	RefreshToken string
	PageSize     int
	Timeout      time.Duration
}

// Client lists feeds after exchanging a refresh token for an access token.
type Client struct {
	baseURL      string
	refreshToken string
	pageSize     int
	http         *http.Client
	logger       *zap.Logger
}

// New builds a Client. The token exchange happens on each ListFeeds call.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RefreshToken) == "" {
		return nil, fmt.Errorf("mobilitydata refresh token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		refreshToken: cfg.RefreshToken,
		pageSize:     cfg.PageSize,
		http:         &http.Client{Timeout: cfg.Timeout},
		logger:       logger.Named("mobilitydata"),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type apiFeed struct {
	ID         string `json:"id"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	SourceInfo struct {
		ProducerURL         string `json:"producer_url"`
		AuthenticationType  int    `json:"authentication_type"`
		APIKeyParameterName string `json:"api_key_parameter_name"`
	} `json:"source_info"`
}

// ListFeeds returns every vehicle-position feed in the catalog.
func (c *Client) ListFeeds(ctx context.Context) ([]feed.Descriptor, error) {
	token, err := c.exchangeToken(ctx)
	if err != nil {
		return nil, err
	}

	var out []feed.Descriptor
	for offset := 0; ; offset += c.pageSize {
		page, err := c.listPage(ctx, token, offset)
		if err != nil {
			return nil, err
		}
		for _, f := range page {
			if f.ID == "" {
				continue
			}
			out = append(out, toDescriptor(f))
		}
		if len(page) < c.pageSize {
			break
		}
	}
	c.logger.Info("catalog loaded", zap.Int("feeds", len(out)))
	return out, nil
}

func (c *Client) exchangeToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": c.refreshToken})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tokens", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var tok tokenResponse
	if err := c.do(req, &tok); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access token")
	}
	return tok.AccessToken, nil
}

func (c *Client) listPage(ctx context.Context, token string, offset int) ([]apiFeed, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("entity_types", "vp")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/gtfs_rt_feeds?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build feeds request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	var page []apiFeed
	if err := c.do(req, &page); err != nil {
		return nil, fmt.Errorf("list feeds (offset %d): %w", offset, err)
	}
	return page, nil
}

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toDescriptor(f apiFeed) feed.Descriptor {
	d := feed.Descriptor{
		ID:       f.ID,
		Name:     f.Provider,
		Endpoint: strings.TrimSpace(f.SourceInfo.ProducerURL),
		Status:   feed.Lifecycle(strings.ToLower(f.Status)),
	}
	switch f.SourceInfo.AuthenticationType {
	case 0:
		d.Auth = feed.Auth{Type: feed.AuthNone}
	case 1:
		d.Auth = feed.Auth{Type: feed.AuthURLParam, ParamName: f.SourceInfo.APIKeyParameterName}
	default:
		d.Auth = feed.Auth{Type: feed.AuthHeader, ParamName: f.SourceInfo.APIKeyParameterName}
	}
	return d
}
