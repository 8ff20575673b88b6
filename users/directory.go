package users

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultPageSize is the per_page value used when listing.
const DefaultPageSize = 100

// DirectoryOption configures an HTTPDirectory.
type DirectoryOption func(*HTTPDirectory)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) DirectoryOption {
	return func(d *HTTPDirectory) { d.pageSize = n }
}

// WithDirectoryLogger sets the directory's logger.
func WithDirectoryLogger(log *slog.Logger) DirectoryOption {
	return func(d *HTTPDirectory) { d.log = log }
}

// HTTPDirectory reads {base}/api/v2/users. The client is expected to
// authorize requests itself, typically via m2m.Source.Client.
type HTTPDirectory struct {
	base     *url.URL
	client   *http.Client
	pageSize int
	log      *slog.Logger
}

// NewHTTPDirectory returns a directory rooted at baseURL.
func NewHTTPDirectory(baseURL string, client *http.Client, opts ...DirectoryOption) (*HTTPDirectory, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("users: invalid directory url %q", baseURL)
	}
	if client == nil {
		return nil, fmt.Errorf("users: http client is required")
	}
	d := &HTTPDirectory{
		base:     u,
		client:   client,
		pageSize: DefaultPageSize,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pageSize <= 0 {
		return nil, fmt.Errorf("users: page size must be positive")
	}
	return d, nil
}

// List fetches every page of users.
func (d *HTTPDirectory) List(ctx context.Context) ([]User, error) {
	var all []User
	for page := 0; ; page++ {
		u := d.base.JoinPath("api", "v2", "users")
		u.RawQuery = url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(d.pageSize)},
		}.Encode()

		var batch []User
		if err := d.getJSON(ctx, u, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < d.pageSize {
			return all, nil
		}
	}
}

// Get fetches a single user.
func (d *HTTPDirectory) Get(ctx context.Context, id string) (User, error) {
	if id == "" {
		return User{}, ErrNotFound
	}
	var u User
	if err := d.getJSON(ctx, d.base.JoinPath("api", "v2", "users", id), &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (d *HTTPDirectory) getJSON(ctx context.Context, u *url.URL, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		d.log.WarnContext(ctx, "users.directory.fail", slog.String("path", u.Path), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("users: unexpected status %d from %s", resp.StatusCode, u.Path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("users: decode %s: %w", u.Path, err)
	}
	return nil
}

var _ Directory = (*HTTPDirectory)(nil)
