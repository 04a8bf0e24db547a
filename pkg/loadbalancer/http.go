package loadbalancer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfroyo/seqdeploy/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPOptions configures the HTTP adapter.
type HTTPOptions struct {
	Token        string
	DrainTimeout time.Duration
	PollInterval time.Duration
	Client       *http.Client
}

// HTTP drives a load balancer admin API:
//
//	POST {base}/servers/{name}/suspend  {"mode": "graceful"}
//	GET  {base}/servers/{name}          {"connections": 3, ...}
//	POST {base}/servers/{name}/resume
type HTTP struct {
	baseURL string
	opts    HTTPOptions
	logger  zerolog.Logger
}

var _ engine.LoadBalancer = (*HTTP)(nil)

// ServerStatus is the body returned by GET {base}/servers/{name}.
type ServerStatus struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Connections int64  `json:"connections"`
}

// NewHTTP creates an HTTP adapter for the admin API at baseURL.
func NewHTTP(baseURL string, opts HTTPOptions) *HTTP {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		logger:  log.With().Str("component", "loadbalancer").Str("type", TypeHTTP).Logger(),
	}
}

// Suspend asks the API to take server out of rotation. In graceful mode it
// polls the server status until no connections remain.
func (h *HTTP) Suspend(ctx context.Context, server *engine.Server, mode engine.SuspendMode) error {
	body := map[string]string{"mode": string(mode)}
	if err := h.do(ctx, http.MethodPost, h.serverURL(server.Name, "suspend"), body, nil); err != nil {
		return fmt.Errorf("failed to suspend %s: %w", server.Name, err)
	}

	h.logger.Info().Str("server", server.Name).Str("mode", string(mode)).Msg("Server removed from rotation")

	if mode != engine.SuspendModeGraceful {
		return nil
	}

	err := waitUntil(ctx, h.opts.PollInterval, h.opts.DrainTimeout, func(ctx context.Context) (bool, error) {
		status, err := h.Status(ctx, server.Name)
		if err != nil {
			return false, err
		}
		return status.Connections <= 0, nil
	})
	if err != nil {
		return fmt.Errorf("failed to drain %s: %w", server.Name, err)
	}
	return nil
}

// Resume asks the API to put server back into rotation.
func (h *HTTP) Resume(ctx context.Context, server *engine.Server) error {
	if err := h.do(ctx, http.MethodPost, h.serverURL(server.Name, "resume"), nil, nil); err != nil {
		return fmt.Errorf("failed to resume %s: %w", server.Name, err)
	}
	h.logger.Info().Str("server", server.Name).Msg("Server returned to rotation")
	return nil
}

// Status fetches the current status of server.
func (h *HTTP) Status(ctx context.Context, server string) (*ServerStatus, error) {
	var status ServerStatus
	if err := h.do(ctx, http.MethodGet, h.serverURL(server, ""), nil, &status); err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", server, err)
	}
	return &status, nil
}

func (h *HTTP) serverURL(server, action string) string {
	u := h.baseURL + "/servers/" + url.PathEscape(server)
	if action != "" {
		u += "/" + action
	}
	return u
}

func (h *HTTP) do(ctx context.Context, method, target string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if h.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.opts.Token)
	}

	resp, err := h.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
