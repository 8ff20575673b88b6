package datasets

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
	"strconv"
	"time"

	"github.com/sony/gobreaker"
)

// ID is a dataset identifier in canonical form. It decodes from JSON strings
// and numbers alike.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(canonicalID(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("dataset id: %w", err)
	}
	*id = ID(canonicalID(n.String()))
	return nil
}

// Dataset is one entry of the listing API.
type Dataset struct {
	ID      ID     `json:"id"`
	Name    string `json:"name"`
	Managed bool   `json:"managed,omitempty"`
}

// Lister lists the datasets visible to the holder of credential.
type Lister interface {
	List(ctx context.Context, credential string, managedOnly bool) ([]Dataset, error)
}

// ListerOption configures an HTTPLister.
type ListerOption func(*HTTPLister)

// WithHTTPClient sets the client used to reach the listing API.
func WithHTTPClient(c *http.Client) ListerOption {
	return func(l *HTTPLister) { l.client = c }
}

// WithListerLogger sets the lister's logger.
func WithListerLogger(log *slog.Logger) ListerOption {
	return func(l *HTTPLister) { l.log = log }
}

// WithBreaker tunes the circuit breaker: it opens after threshold
// consecutive failures and probes again after cooldown.
func WithBreaker(threshold uint32, cooldown time.Duration) ListerOption {
	return func(l *HTTPLister) {
		l.threshold = threshold
		l.cooldown = cooldown
	}
}

// HTTPLister calls GET {base}/datasets?managed_only=... with the caller's
// bearer credential. Calls pass through a circuit breaker so a failing
// upstream is not hammered by every request.
type HTTPLister struct {
	base      *url.URL
	client    *http.Client
	log       *slog.Logger
	threshold uint32
	cooldown  time.Duration
	cb        *gobreaker.CircuitBreaker
}

// NewHTTPLister returns a lister for the API rooted at baseURL.
func NewHTTPLister(baseURL string, opts ...ListerOption) (*HTTPLister, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("datasets: invalid api base url %q", baseURL)
	}
	l := &HTTPLister{
		base:      u,
		client:    http.DefaultClient,
		log:       slog.New(slog.DiscardHandler),
		threshold: 5,
		cooldown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "datasets-api",
		Timeout: l.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= l.threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			l.log.Warn("datasets.breaker.state",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// Caller cancellation and a rejected credential say nothing about
		// the upstream's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrRejected)
		},
	})
	return l, nil
}

// List implements Lister.
func (l *HTTPLister) List(ctx context.Context, credential string, managedOnly bool) ([]Dataset, error) {
	res, err := l.cb.Execute(func() (interface{}, error) {
		return l.fetch(ctx, credential, managedOnly)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
		}
		return nil, err
	}
	return res.([]Dataset), nil
}

func (l *HTTPLister) fetch(ctx context.Context, credential string, managedOnly bool) ([]Dataset, error) {
	u := l.base.JoinPath("datasets")
	u.RawQuery = url.Values{"managed_only": {strconv.FormatBool(managedOnly)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		l.log.WarnContext(ctx, "datasets.list.fail", slog.Int("status", resp.StatusCode))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %w: status %d", ErrUpstream, ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUpstream, resp.StatusCode)
	}

	var out []Dataset
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode listing: %w", ErrUpstream, err)
	}
	return out, nil
}

var _ Lister = (*HTTPLister)(nil)
