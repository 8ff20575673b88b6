package datasets

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ggoodman/datasetauth/cache"
)

// DefaultTTL is how long an authorized-id set is cached.
const DefaultTTL = 5 * time.Minute

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) RepositoryOption {
	return func(r *Repository) { r.ttl = d }
}

// WithRepositoryLogger sets the repository's logger.
func WithRepositoryLogger(log *slog.Logger) RepositoryOption {
	return func(r *Repository) { r.log = log }
}

// Repository resolves the set of dataset ids a user may access, caching per
// (user id, managedOnly).
type Repository struct {
	lister Lister
	cache  *cache.Cache[[]ID]
	ttl    time.Duration
	log    *slog.Logger
}

// NewRepository wires lister behind c.
func NewRepository(lister Lister, c *cache.Cache[[]ID], opts ...RepositoryOption) (*Repository, error) {
	if lister == nil || c == nil {
		return nil, fmt.Errorf("datasets: lister and cache are required")
	}
	r := &Repository{lister: lister, cache: c, ttl: DefaultTTL, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// AuthorizedIDs returns the ids visible to userID, fetched with credential.
// An empty userID bypasses the cache entirely.
func (r *Repository) AuthorizedIDs(ctx context.Context, userID, credential string, managedOnly bool) (map[ID]struct{}, error) {
	load := func(ctx context.Context) ([]ID, time.Duration, error) {
		list, err := r.lister.List(ctx, credential, managedOnly)
		if err != nil {
			return nil, 0, err
		}
		ids := make([]ID, 0, len(list))
		for _, d := range list {
			ids = append(ids, d.ID)
		}
		return ids, r.ttl, nil
	}

	var (
		ids []ID
		err error
	)
	if userID == "" {
		r.log.DebugContext(ctx, "datasets.cache.bypass")
		ids, _, err = load(ctx)
	} else {
		ids, err = r.cache.GetOrLoad(ctx, cacheKey(userID, managedOnly), load)
	}
	if err != nil {
		return nil, err
	}

	set := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Invalidate drops both cached sets for userID.
func (r *Repository) Invalidate(ctx context.Context, userID string) error {
	for _, managed := range []bool{false, true} {
		if err := r.cache.Invalidate(ctx, cacheKey(userID, managed)); err != nil {
			return err
		}
	}
	return nil
}

func cacheKey(userID string, managedOnly bool) string {
	return "user:" + strconv.Itoa(len(userID)) + ":" + userID + ":managed:" + strconv.FormatBool(managedOnly)
}
