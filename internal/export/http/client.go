package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ptarmiganlabs/butler-sos-sub004/internal/retry"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4096

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}

	return fmt.Sprintf("unexpected status code: %d: %s", e.StatusCode, e.Body)
}

// Retriable reports whether repeating the request could succeed. Client
// errors other than 408 and 429 are not.
func (e *StatusError) Retriable() bool {
	if e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests {
		return true
	}

	return e.StatusCode < 400 || e.StatusCode >= 500
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Headers     map[string]string
	Compression string
	Timeout     time.Duration
	MaxIdle     int
	KeepAlive   bool
}

// Client POSTs compressed bodies and classifies the response.
type Client struct {
	cfg        ClientConfig
	http       *http.Client
	compressor *Compressor
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := ValidateCompression(cfg.Compression); err != nil {
		return nil, err
	}

	compressor, err := NewCompressor(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("creating compressor: %w", err)
	}

	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdle,
		MaxIdleConnsPerHost: cfg.MaxIdle,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   !cfg.KeepAlive,
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		compressor: compressor,
	}, nil
}

// Post sends body to address. Non-2xx answers yield a *StatusError,
// marked with retry.Permanent when not retriable. It returns the
// compressed size.
func (c *Client) Post(
	ctx context.Context,
	address, contentType string,
	body []byte,
) (int, error) {
	compressed, err := c.compressor.Compress(body)
	if err != nil {
		return 0, fmt.Errorf("compressing data: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, address, bytes.NewReader(compressed),
	)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}

	req.Header.Set("Content-Type", contentType)

	if encoding := c.compressor.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_, _ = io.Copy(io.Discard, resp.Body)

		statusErr := &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
		}

		if !statusErr.Retriable() {
			return 0, retry.Permanent(statusErr)
		}

		return 0, statusErr
	}

	// Drain response body to enable connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	return len(compressed), nil
}

// Close releases the compressor.
func (c *Client) Close() error {
	if c.compressor != nil {
		return c.compressor.Close()
	}

	return nil
}
