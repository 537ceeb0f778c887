package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultBatchTimeout = 30 * time.Second

	retryBase     = 500 * time.Millisecond
	retryFactor   = 2
	retryCap      = 30 * time.Second
	retryAttempts = 6
)

// DeadLetterSink receives resources the writer gave up on. Implementations
// persist them keyed by ingest id for later replay.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, ingestID string, resources []Observation, attempts int, lastErr string) error
}

// batchResponse is the store's reply to POST /Observation/batch.
type batchResponse struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Results    []struct {
		Index   int    `json:"index"`
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	} `json:"results"`
}

// Client writes Observation resources to the external FHIR store with
// bounded retries. Failed writes are handed to the dead-letter sink after
// the final attempt; the caller never sees a retryable error mid-flight.
type Client struct {
	baseURL          string
	token            string
	verifyIdentifier bool

	http      *http.Client
	batchHTTP *http.Client
	sink      DeadLetterSink
	log       zerolog.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides both underlying HTTP clients.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
		cl.batchHTTP = c
	}
}

// WithVerifyIdentifier enables a pre-create search by the idempotency
// identifier. Only needed against stores that do not dedup server-side.
func WithVerifyIdentifier(v bool) ClientOption {
	return func(cl *Client) { cl.verifyIdentifier = v }
}

func NewClient(baseURL, token string, timeout time.Duration, sink DeadLetterSink, log zerolog.Logger, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:   baseURL,
		token:     token,
		http:      &http.Client{Timeout: timeout},
		batchHTTP: &http.Client{Timeout: defaultBatchTimeout},
		sink:      sink,
		log:       log.With().Str("component", "fhir_client").Logger(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.warnTokenExpiry()
	return c
}

// Enabled reports whether a FHIR store is configured at all. With no base
// URL the pipeline skips projection entirely.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Write submits the projection for one canonical record. A single resource
// goes to POST /Observation, more than one to POST /Observation/batch.
// Exhausted retries dead-letter the remaining resources and return the
// terminal error.
func (c *Client) Write(ctx context.Context, ingestID string, resources []Observation) error {
	if len(resources) == 0 || !c.Enabled() {
		return nil
	}
	if len(resources) == 1 {
		return c.writeOne(ctx, ingestID, resources[0])
	}
	return c.writeBatch(ctx, ingestID, resources)
}

func (c *Client) writeOne(ctx context.Context, ingestID string, res Observation) error {
	if c.verifyIdentifier && len(res.Identifier) > 0 {
		exists, err := c.identifierExists(ctx, res.Identifier[0])
		if err == nil && exists {
			c.log.Debug().Str("ingest_id", ingestID).Msg("observation already stored, skipping create")
			return nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := c.post(ctx, c.http, "/Observation", res, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		if attempt < retryAttempts {
			if serr := c.sleep(ctx, backoff(attempt)); serr != nil {
				lastErr = serr
				break
			}
		}
	}
	return c.deadLetter(ctx, ingestID, []Observation{res}, retryAttempts, lastErr)
}

func (c *Client) writeBatch(ctx context.Context, ingestID string, resources []Observation) error {
	pending := resources
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		var br batchResponse
		err := c.post(ctx, c.batchHTTP, "/Observation/batch", pending, &br)
		if err == nil {
			if br.Failed == 0 {
				return nil
			}
			// Partial failure. Keep only the items the store flagged so
			// already-accepted resources are not resubmitted.
			if failed := failedSubset(pending, br); failed != nil {
				pending = failed
			}
			lastErr = fmt.Errorf("batch write: %d of %d items failed", br.Failed, br.Failed+br.Successful)
		} else {
			lastErr = err
			if !retryable(err) {
				break
			}
		}
		if attempt < retryAttempts {
			if serr := c.sleep(ctx, backoff(attempt)); serr != nil {
				lastErr = serr
				break
			}
		}
	}
	return c.deadLetter(ctx, ingestID, pending, retryAttempts, lastErr)
}

func failedSubset(pending []Observation, br batchResponse) []Observation {
	if len(br.Results) == 0 {
		return nil
	}
	var failed []Observation
	for _, r := range br.Results {
		if !r.Success && r.Index >= 0 && r.Index < len(pending) {
			failed = append(failed, pending[r.Index])
		}
	}
	return failed
}

func (c *Client) deadLetter(ctx context.Context, ingestID string, resources []Observation, attempts int, lastErr error) error {
	msg := "unknown"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	c.log.Error().Str("ingest_id", ingestID).Int("attempts", attempts).
		Int("resources", len(resources)).Str("error", msg).
		Msg("fhir write exhausted retries, dead-lettering")
	if c.sink != nil {
		if err := c.sink.DeadLetter(ctx, ingestID, resources, attempts, msg); err != nil {
			c.log.Error().Err(err).Str("ingest_id", ingestID).Msg("dead-letter store failed")
		}
	}
	return fmt.Errorf("fhir write %s: %w", ingestID, lastErr)
}

// httpStatusError marks a non-2xx response so the retry loop can tell
// transient store trouble from permanent rejection.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("fhir store returned %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.status >= 500 || se.status == http.StatusTooManyRequests
	}
	// Transport errors (timeouts, refused connections) are retryable.
	return true
}

func (c *Client) post(ctx context.Context, hc *http.Client, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return &httpStatusError{status: http.StatusBadRequest, body: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode store response: %w", err)
		}
	}
	return nil
}

// identifierExists searches the store for a resource already carrying the
// idempotency identifier.
func (c *Client) identifierExists(ctx context.Context, id Identifier) (bool, error) {
	q := url.Values{"identifier": {id.System + "|" + id.Value}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Observation?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var bundle struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return false, err
	}
	return bundle.Total > 0, nil
}

// warnTokenExpiry logs when the configured bearer token is already expired
// or close to it. The token is not verified here, only inspected.
func (c *Client) warnTokenExpiry() {
	if c.token == "" {
		return
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	until := time.Until(exp.Time)
	if until < 0 {
		c.log.Warn().Time("expired_at", exp.Time).Msg("fhir store token is expired")
	} else if until < 24*time.Hour {
		c.log.Warn().Time("expires_at", exp.Time).Msg("fhir store token expires within 24h")
	}
}

func backoff(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= retryFactor
		if d >= retryCap {
			d = retryCap
			break
		}
	}
	// Full jitter keeps concurrent retries from stampeding the store.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
