package cashu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
)

const maxResponseSize = 1 << 20

// ClientConfig configures a Client.
type ClientConfig struct {
	// MintURL is the base URL of the mint, without the /v1 suffix.
	MintURL string

	// HTTPClient defaults to a client with no overall timeout; each
	// attempt is bounded by RequestTimeout instead.
	HTTPClient *http.Client

	// RequestTimeout bounds a single attempt. Defaults to 10s.
	RequestTimeout time.Duration

	// MaxAttempts bounds retries of transient failures. Defaults to 3.
	MaxAttempts int

	// RetryBackoff is the wait before the second attempt; it doubles
	// for each further attempt. Defaults to 250ms.
	RetryBackoff time.Duration

	// KeysetTTL is how long Keyset results are cached. Defaults to 5m.
	KeysetTTL time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client talks to a Cashu mint over its HTTP API.
//
// GET requests are retried on connection errors, timeouts, 429 and 5xx.
// POST requests are only retried when the mint answers 429 or 503, since
// any other failure may have happened after the mint acted on them.
// 4xx rejections are returned at once as *MintError.
type Client struct {
	mintURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	maxAttempts    int
	retryBackoff   time.Duration
	keysetTTL      time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	mu      sync.Mutex
	keysets map[string]cachedKeyset
}

type cachedKeyset struct {
	keyset    *Keyset
	expiresAt time.Time
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.MintURL == "" {
		return nil, errors.New("cashu: MintURL is required")
	}
	parsed, err := url.Parse(cfg.MintURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("cashu: invalid mint URL %q", cfg.MintURL)
	}

	c := &Client{
		mintURL:        strings.TrimRight(cfg.MintURL, "/"),
		httpClient:     cfg.HTTPClient,
		requestTimeout: cfg.RequestTimeout,
		maxAttempts:    cfg.MaxAttempts,
		retryBackoff:   cfg.RetryBackoff,
		keysetTTL:      cfg.KeysetTTL,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		keysets:        make(map[string]cachedKeyset),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 10 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.retryBackoff <= 0 {
		c.retryBackoff = 250 * time.Millisecond
	}
	if c.keysetTTL <= 0 {
		c.keysetTTL = 5 * time.Minute
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// MintURL returns the normalized mint URL embedded in issued tokens.
func (c *Client) MintURL() string { return c.mintURL }

// CreateMintQuote requests a Lightning invoice for amount units.
func (c *Client) CreateMintQuote(ctx context.Context, req MintQuoteRequest) (*MintQuote, error) {
	var quote MintQuote
	if err := c.do(ctx, http.MethodPost, "/v1/mint/quote/bolt11", req, &quote); err != nil {
		return nil, err
	}
	if quote.Quote == "" || quote.Request == "" {
		return nil, fmt.Errorf("%w: quote response missing quote id or request", ErrMalformedResponse)
	}
	return &quote, nil
}

// MintQuote fetches the current state of a quote.
func (c *Client) MintQuote(ctx context.Context, quoteID string) (*MintQuote, error) {
	var quote MintQuote
	if err := c.do(ctx, http.MethodGet, "/v1/mint/quote/bolt11/"+url.PathEscape(quoteID), nil, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// Keysets lists the mint's keysets.
func (c *Client) Keysets(ctx context.Context) ([]KeysetInfo, error) {
	var resp KeysetsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keysets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keysets, nil
}

// Keys fetches the public keys of one keyset.
func (c *Client) Keys(ctx context.Context, info KeysetInfo) (*Keyset, error) {
	var resp KeysResponse
	if err := c.do(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(info.ID), nil, &resp); err != nil {
		return nil, err
	}
	for _, ks := range resp.Keysets {
		if ks.ID != info.ID {
			continue
		}
		unit := ks.Unit
		if unit == "" {
			unit = info.Unit
		}
		return KeysetFromWire(ks.ID, unit, info.Active, ks.Keys)
	}
	return nil, fmt.Errorf("%w: keys response does not contain keyset %s", ErrMalformedResponse, info.ID)
}

// Keyset returns the mint's active keyset for unit with its keys. The
// result is cached for the configured TTL. A mint without an active
// keyset for unit yields ErrNoKeyset.
func (c *Client) Keyset(ctx context.Context, unit string) (*Keyset, error) {
	now := c.clock.Now()
	c.mu.Lock()
	cached, ok := c.keysets[unit]
	c.mu.Unlock()
	if ok && now.Before(cached.expiresAt) {
		return cached.keyset, nil
	}

	infos, err := c.Keysets(ctx)
	if err != nil {
		return nil, err
	}

	var active *KeysetInfo
	for i := range infos {
		if infos[i].Active && strings.EqualFold(infos[i].Unit, unit) {
			active = &infos[i]
			break
		}
	}
	if active == nil {
		return nil, fmt.Errorf("%w: unit %q at %s", ErrNoKeyset, unit, c.mintURL)
	}

	keyset, err := c.Keys(ctx, *active)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.keysets[unit] = cachedKeyset{keyset: keyset, expiresAt: now.Add(c.keysetTTL)}
	c.mu.Unlock()
	return keyset, nil
}

// InvalidateKeysets drops cached keysets, e.g. after the mint reports a
// keyset as unknown or inactive.
func (c *Client) InvalidateKeysets() {
	c.mu.Lock()
	clear(c.keysets)
	c.mu.Unlock()
}

// Mint exchanges a paid quote for blind signatures over outputs.
func (c *Client) Mint(ctx context.Context, req MintRequest) (*MintResponse, error) {
	var resp MintResponse
	if err := c.do(ctx, http.MethodPost, "/v1/mint/bolt11", req, &resp); err != nil {
		if IsMintError(err, CodeKeysetNotFound) || IsMintError(err, CodeKeysetInactive) {
			c.InvalidateKeysets()
		}
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("cashu: encoding %s request: %w", path, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		err := c.attempt(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !c.retryable(method, err) {
			return err
		}
		c.logger.Warn("transient mint failure, retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.mintURL+path, reader)
	if err != nil {
		return fmt.Errorf("cashu: building %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cashu: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("cashu: reading %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		mintErr := &MintError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, mintErr) != nil || mintErr.Detail == "" {
			mintErr.Detail = strings.TrimSpace(string(data))
			if mintErr.Detail == "" {
				mintErr.Detail = http.StatusText(resp.StatusCode)
			}
		}
		return mintErr
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
		}
	}
	return nil
}

func (c *Client) retryable(method string, err error) bool {
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var mintErr *MintError
	if errors.As(err, &mintErr) {
		if method == http.MethodGet {
			return mintErr.Transient()
		}
		return mintErr.StatusCode == http.StatusTooManyRequests || mintErr.StatusCode == http.StatusServiceUnavailable
	}
	return method == http.MethodGet
}
