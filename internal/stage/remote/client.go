// Package remote implements pipeline stages served over HTTP.
//
// Each stage is a POST of the JSON-encoded stage.Request to a configured
// URL. The response body is a JSON object; either an envelope
// {"output": {...}, "token_usage": {...}, "error": "..."} or a flat object
// whose top-level keys are the output. Retries are left to the caller.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
)

const (
	defaultRateLimit = 2.0
	defaultBurst     = 1
	maxResponseBytes = 16 << 20
)

// Config configures a remote stage.
type Config struct {
	URL string
	// RequestsPerSecond limits outgoing calls. Zero uses the default; a
	// negative value disables limiting.
	RequestsPerSecond float64
	Burst             int
	// HTTPClient defaults to a client without timeout; per-call deadlines
	// come from the context.
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Stage calls a stage endpoint over HTTP.
type Stage struct {
	name    stage.Name
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

var _ stage.Stage = (*Stage)(nil)

// New returns a remote stage for name.
func New(name stage.Name, cfg Config) (*Stage, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("stage %s: invalid endpoint %q", name, cfg.URL)
	}

	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = defaultRateLimit
	}
	limit := rate.Limit(rps)
	if rps < 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Stage{
		name:    name,
		url:     u.String(),
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("remote"),
	}, nil
}

func (s *Stage) Name() stage.Name { return s.name }

// Run posts req and decodes the response. Transport failures, 429 and 5xx
// responses are plain errors; other 4xx responses wrap stage.ErrPermanent;
// undecodable bodies wrap stage.ErrMalformedOutput.
func (s *Stage) Run(ctx context.Context, req stage.Request) (*stage.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", stage.ErrPermanent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", stage.ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", s.name, err)
	}
	s.logger.Debug(ctx, "stage responded",
		zap.String("stage", string(s.name)),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%s: status %d", s.name, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: server error %d: %s", s.name, resp.StatusCode, errorText(data))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: %s: status %d: %s", stage.ErrPermanent, s.name, resp.StatusCode, errorText(data))
	}

	return decodeResponse(data)
}

// decodeResponse accepts the envelope and the flat layout.
func decodeResponse(data []byte) (*stage.Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", stage.ErrMalformedOutput, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: null body", stage.ErrMalformedOutput)
	}

	out := &stage.Response{}
	if v, ok := raw["error"]; ok && v != nil {
		out.Error = fmt.Sprint(v)
		if out.Error == "" {
			out.Error = "unspecified error"
		}
	}
	delete(raw, "error")

	if v, ok := raw["token_usage"]; ok {
		usage, err := tokenUsage(v)
		if err != nil {
			return nil, err
		}
		out.TokenUsage = usage
		delete(raw, "token_usage")
	}

	if v, ok := raw["output"]; ok {
		m, isMap := v.(map[string]any)
		if !isMap {
			return nil, fmt.Errorf("%w: output is %T, want object", stage.ErrMalformedOutput, v)
		}
		out.Output = m
	} else {
		out.Output = raw
	}
	return out, nil
}

func tokenUsage(v any) (map[string]int, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: token_usage is %T, want object", stage.ErrMalformedOutput, v)
	}
	usage := make(map[string]int, len(m))
	for k, raw := range m {
		n, ok := stage.Number(raw)
		if !ok {
			return nil, fmt.Errorf("%w: token_usage.%s is not a number", stage.ErrMalformedOutput, k)
		}
		usage[k] = int(n)
	}
	return usage, nil
}

func errorText(body []byte) string {
	var e struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		return fmt.Sprint(e.Error)
	}
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// NewSet builds remote stages for every configured endpoint.
func NewSet(endpoints map[string]string, rps float64, burst int, client *http.Client, logger *logging.Logger) ([]stage.Stage, error) {
	var (
		out  []stage.Stage
		errs []error
	)
	for name, u := range endpoints {
		n, err := stage.ParseName(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st, err := New(n, Config{URL: u, RequestsPerSecond: rps, Burst: burst, HTTPClient: client, Logger: logger})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, st)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
