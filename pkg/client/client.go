package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client talks to a botvisor daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	tls     *tls.Config
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. A broken TLS setup is reported here rather than on
// the first request.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	var tlsCfg *tls.Config
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		var err error
		tlsCfg, err = setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		tls:     tlsCfg,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable reports whether the daemon answers on its API.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/bots", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// Deploy starts a bot. The returned instance is usually in Starting.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (*BotInstance, error) {
	var out BotInstance
	if err := c.do(ctx, http.MethodPost, "/bots", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop stops a bot and blocks until it reaches a terminal state.
func (c *Client) Stop(ctx context.Context, name string, archive bool) (*StopResult, error) {
	var out StopResult
	if err := c.do(ctx, http.MethodPost, "/bots/"+url.PathEscape(name)+"/stop", StopRequest{Archive: archive}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, name string) (*BotStatus, error) {
	var out BotStatus
	if err := c.do(ctx, http.MethodGet, "/bots/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context) ([]BotStatus, error) {
	var out []BotStatus
	if err := c.do(ctx, http.MethodGet, "/bots", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logs returns the last tail lines of the bot's output; tail <= 0 uses the
// daemon default.
func (c *Client) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	p := "/bots/" + url.PathEscape(name) + "/logs"
	if tail > 0 {
		p += "?tail=" + strconv.Itoa(tail)
	}
	var out LogsResponse
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

func (c *Client) Latest(ctx context.Context, name string) (*LatestState, error) {
	var out LatestState
	if err := c.do(ctx, http.MethodGet, "/bots/"+url.PathEscape(name)+"/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rebuild asks the daemon to replay the bot's event log.
func (c *Client) Rebuild(ctx context.Context, name string) (*LatestState, error) {
	var out LatestState
	if err := c.do(ctx, http.MethodPost, "/bots/"+url.PathEscape(name)+"/state/rebuild", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns the persisted event log of a run; an empty runID selects the
// bot's current or last archived run.
func (c *Client) Events(ctx context.Context, name, runID string) (*EventsResponse, error) {
	p := "/bots/" + url.PathEscape(name) + "/events"
	if runID != "" {
		p += "?run_id=" + url.QueryEscape(runID)
	}
	var out EventsResponse
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Archives lists archive records newest first, filtered to bot when set.
func (c *Client) Archives(ctx context.Context, bot string) ([]ArchiveRecord, error) {
	p := "/archives"
	if bot != "" {
		p += "?bot=" + url.QueryEscape(bot)
	}
	var out ArchivesResponse
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.Archives, nil
}

// FollowLogs streams log lines to fn until the bot reaches a terminal state,
// ctx is cancelled, or fn returns an error.
func (c *Client) FollowLogs(ctx context.Context, name string, tail int, fn func(line string) error) error {
	u, err := url.Parse(c.baseURL + "/bots/" + url.PathEscape(name) + "/logs/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if tail > 0 {
		u.RawQuery = "tail=" + strconv.Itoa(tail)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.client.Timeout,
		TLSClientConfig:  c.tls,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return c.apiError(resp)
		}
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("log stream closed: %s", ce.Text)
			}
			return err
		}
		// error frames are JSON objects, log lines are plain text
		if len(msg) > 0 && msg[0] == '{' {
			var e ErrorResponse
			if json.Unmarshal(msg, &e) == nil && e.Error != "" {
				return &APIError{Kind: e.Error, Message: e.Message, Bot: e.Name, State: e.State, Reason: e.Reason}
			}
		}
		if err := fn(string(msg)); err != nil {
			return err
		}
	}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends a JSON request and decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError handles HTTP error responses
func (c *Client) apiError(resp *http.Response) error {
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Kind: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", e.Error, "status", resp.StatusCode)
	return &APIError{
		StatusCode: resp.StatusCode,
		Kind:       e.Error,
		Message:    e.Message,
		Bot:        e.Name,
		State:      e.State,
		Reason:     e.Reason,
	}
}

// IsNotFound reports whether err is a NotFound API error.
func IsNotFound(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}
