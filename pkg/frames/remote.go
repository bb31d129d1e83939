package frames

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/gambit/pkg/game"
	"github.com/kadirpekel/gambit/pkg/httpclient"
)

// RemoteSource drives an emulator bridge over HTTP. The bridge exposes a
// small JSON API: GET /frame, POST /input, POST /volume, POST /pause,
// POST /resume, GET /save-state, POST /load-state. Memory reads are not part
// of the bridge protocol.
type RemoteSource struct {
	baseURL    string
	httpClient *httpclient.Client
}

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	// BaseURL is the bridge endpoint, e.g. "http://localhost:8765".
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout" mapstructure:"timeout"`

	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// SetDefaults fills zero values.
func (c *RemoteConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate rejects unusable configurations.
func (c *RemoteConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	return nil
}

// NewRemoteSource builds a bridge-backed source.
func NewRemoteSource(cfg *RemoteConfig) (*RemoteSource, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RemoteSource{
		baseURL: cfg.BaseURL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			// The bridge has no rate-limit headers worth parsing; retry
			// server-side failures with fixed pacing and give up on the rest.
			httpclient.WithRetryStrategy(func(statusCode int) httpclient.RetryStrategy {
				if statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError {
					return httpclient.ConservativeRetry
				}
				return httpclient.NoRetry
			}),
		),
	}, nil
}

type bridgeFrameResponse struct {
	Frame     string `json:"frame"` // base64 PNG payload
	Timestamp int64  `json:"timestamp"`
}

// Capture implements Source.
func (s *RemoteSource) Capture(ctx context.Context) (Frame, error) {
	var out bridgeFrameResponse
	if err := s.getJSON(ctx, "/frame", &out); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}

	data, err := base64.StdEncoding.DecodeString(out.Frame)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: invalid frame payload: %v", ErrFrameUnavailable, err)
	}
	if len(data) < MinFrameSize {
		return Frame{}, fmt.Errorf("%w: frame too small (%d bytes)", ErrFrameUnavailable, len(data))
	}

	ts := time.Now()
	if out.Timestamp > 0 {
		ts = time.UnixMilli(out.Timestamp)
	}
	return Frame{Data: data, Timestamp: ts}, nil
}

// PressAndRelease implements Source.
func (s *RemoteSource) PressAndRelease(ctx context.Context, button game.Button, holdMs int) error {
	if holdMs < MinHoldMs {
		holdMs = MinHoldMs
	}
	return s.postJSON(ctx, "/input", map[string]any{
		"button": string(button),
		"holdMs": holdMs,
	}, nil)
}

// SetVolume implements Source.
func (s *RemoteSource) SetVolume(ctx context.Context, volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("volume out of range: %d", volume)
	}
	return s.postJSON(ctx, "/volume", map[string]any{"volume": volume}, nil)
}

// Pause implements Source.
func (s *RemoteSource) Pause(ctx context.Context) error {
	return s.postJSON(ctx, "/pause", nil, nil)
}

// Resume implements Source.
func (s *RemoteSource) Resume(ctx context.Context) error {
	return s.postJSON(ctx, "/resume", nil, nil)
}

// SaveState implements Source.
func (s *RemoteSource) SaveState(ctx context.Context) ([]byte, error) {
	var out struct {
		State string `json:"state"` // base64
	}
	if err := s.getJSON(ctx, "/save-state", &out); err != nil {
		return nil, err
	}
	state, err := base64.StdEncoding.DecodeString(out.State)
	if err != nil {
		return nil, fmt.Errorf("invalid save-state payload: %w", err)
	}
	return state, nil
}

// LoadState implements Source.
func (s *RemoteSource) LoadState(ctx context.Context, state []byte) error {
	return s.postJSON(ctx, "/load-state", map[string]any{
		"state": base64.StdEncoding.EncodeToString(state),
	}, nil)
}

// ReadMemory implements Source. The bridge protocol has no memory access.
func (s *RemoteSource) ReadMemory(ctx context.Context, addr, length int) ([]byte, error) {
	return nil, ErrUnsupported
}

func (s *RemoteSource) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return s.do(req, out)
}

func (s *RemoteSource) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
		req.Header.Set("Content-Type", "application/json")
	}
	return s.do(req, out)
}

func (s *RemoteSource) do(req *http.Request, out any) error {
	resp, err := s.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterLost, err)
	}
	if resp == nil {
		return fmt.Errorf("%w: no response received", ErrAdapterLost)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
