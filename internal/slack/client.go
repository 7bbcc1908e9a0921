package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"slackwatch/pkg/logx"
)

const defaultBaseURL = "https://slack.com/api"

// maxBodySize bounds API response reads; history pages are well under 1MB.
const maxBodySize = 4 << 20

type ClientConfig struct {
	Token      string
	BaseURL    string        // default: https://slack.com/api
	RatePerSec int           // default: 5
	Timeout    time.Duration // per-request; default: 15s
}

// Client implements Session over the Slack Web API.
//
// All calls go through a shared rate limiter so a cycle that touches many
// channels cannot burst past the platform's tolerance.
type Client struct {
	cfg     ClientConfig
	httpc   *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}, nil
}

// APIError is a non-transport failure reported by the platform
// (ok=false envelope or an unexpected HTTP status).
type APIError struct {
	Method string
	Code   string // platform error string, e.g. "channel_not_found"
	Status int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("slack %s: http status %d", e.Method, e.Status)
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c *Client) get(ctx context.Context, method string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.cfg.BaseURL + "/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("slack %s: read body: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Method: method, Status: resp.StatusCode}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("slack %s: decode envelope: %w", method, err)
	}
	if !env.OK {
		return &APIError{Method: method, Code: env.Error, Status: resp.StatusCode}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("slack %s: decode response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) ValidateIdentity(ctx context.Context) (Identity, error) {
	var resp struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
	}
	if err := c.get(ctx, "auth.test", nil, &resp); err != nil {
		return Identity{}, err
	}
	return Identity{UserID: resp.UserID, DisplayName: resp.User}, nil
}

func (c *Client) FetchHistory(ctx context.Context, channelID string, limit int, oldestExclusive, latestExclusive string) ([]Message, error) {
	params := url.Values{}
	params.Set("channel", channelID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if oldestExclusive != "" {
		params.Set("oldest", oldestExclusive)
	}
	if latestExclusive != "" {
		params.Set("latest", latestExclusive)
	}
	if oldestExclusive != "" || latestExclusive != "" {
		// inclusive applies to both bounds; the poller needs them exclusive.
		params.Set("inclusive", "false")
	}

	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, "conversations.history", params, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	var (
		out    []Channel
		cursor string
	)
	for {
		params := url.Values{}
		params.Set("types", "public_channel,private_channel")
		params.Set("limit", "200")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp struct {
			Channels []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"channels"`
			ResponseMetadata struct {
				NextCursor string `json:"next_cursor"`
			} `json:"response_metadata"`
		}
		if err := c.get(ctx, "conversations.list", params, &resp); err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			out = append(out, Channel{ID: ch.ID, Name: ch.Name})
		}
		cursor = strings.TrimSpace(resp.ResponseMetadata.NextCursor)
		if cursor == "" {
			return out, nil
		}
	}
}

func (c *Client) FetchUserInfo(ctx context.Context, userID string) (UserInfo, error) {
	params := url.Values{}
	params.Set("user", userID)

	var resp struct {
		User struct {
			Name    string `json:"name"`
			Profile struct {
				DisplayName string `json:"display_name"`
				RealName    string `json:"real_name"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := c.get(ctx, "users.info", params, &resp); err != nil {
		return UserInfo{}, err
	}
	return UserInfo{
		Name:        resp.User.Name,
		DisplayName: resp.User.Profile.DisplayName,
		RealName:    resp.User.Profile.RealName,
	}, nil
}

func (c *Client) Close() error {
	c.httpc.CloseIdleConnections()
	return nil
}
