package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/datasetauth/auth"
	"github.com/ggoodman/datasetauth/storage"
	"github.com/google/uuid"
)

const (
	// DefaultCookieName names the session cookie.
	DefaultCookieName = "datasetauth_session"
	// DefaultTTL bounds how long an idle session lives.
	DefaultTTL = 24 * time.Hour

	namespace = "sessions"
)

// ErrNotFound is returned by Load when the request has no live session.
// It matches auth.ErrNoSession.
var ErrNotFound = fmt.Errorf("sessions: %w", auth.ErrNoSession)

// Option configures a Store.
type Option func(*Store)

// WithCookieName overrides DefaultCookieName.
func WithCookieName(name string) Option {
	return func(s *Store) { s.cookie = name }
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithSecureCookie controls the cookie's Secure attribute. It defaults to
// true; only local development over plain HTTP should turn it off.
func WithSecureCookie(secure bool) Option {
	return func(s *Store) { s.secure = secure }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store persists sessions in a storage.Storage and tracks them with signed
// cookies.
type Store struct {
	store  storage.Storage
	signer *Signer
	cookie string
	ttl    time.Duration
	secure bool
	log    *slog.Logger
	now    func() time.Time
}

// NewStore returns a Store over backend.
func NewStore(backend storage.Storage, signer *Signer, opts ...Option) (*Store, error) {
	if backend == nil || signer == nil {
		return nil, errors.New("sessions: storage and signer are required")
	}
	s := &Store{
		store:  backend,
		signer: signer,
		cookie: DefaultCookieName,
		ttl:    DefaultTTL,
		secure: true,
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		return nil, errors.New("sessions: ttl must be positive")
	}
	if s.cookie == "" {
		return nil, errors.New("sessions: cookie name is required")
	}
	return s, nil
}

// New returns an unsaved session with a fresh id.
func (s *Store) New() *Session {
	now := s.now()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
}

type cookiePayload struct {
	SID string `json:"sid"`
}

// Load returns the session named by r's cookie. It returns ErrNotFound when
// there is no cookie, the cookie does not verify, or the session expired.
func (s *Store) Load(ctx context.Context, r *http.Request) (*Session, error) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return nil, ErrNotFound
	}
	payload, _, err := s.signer.Verify(c.Value)
	if err != nil {
		s.log.InfoContext(ctx, "sessions.cookie.invalid", slog.String("err", err.Error()))
		return nil, ErrNotFound
	}
	var cp cookiePayload
	if err := json.Unmarshal(payload, &cp); err != nil || cp.SID == "" {
		s.log.InfoContext(ctx, "sessions.cookie.invalid", slog.String("err", "missing session id"))
		return nil, ErrNotFound
	}
	return s.get(ctx, cp.SID)
}

func (s *Store) get(ctx context.Context, id string) (*Session, error) {
	item, err := s.store.Get(ctx, id, storage.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("sessions: load: %w", err)
	}
	if item == nil {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		s.log.WarnContext(ctx, "sessions.decode.fail", slog.String("err", err.Error()))
		return nil, ErrNotFound
	}
	if sess.ID != id || !s.now().Before(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Save persists sess and sets its cookie on w.
func (s *Store) Save(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("sessions: session %s already expired", sess.ID)
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessions: encode: %w", err)
	}
	if err := s.store.Set(ctx, sess.ID, b, storage.WithNamespace(namespace), storage.WithTTL(ttl)); err != nil {
		return fmt.Errorf("sessions: save: %w", err)
	}

	payload, err := json.Marshal(cookiePayload{SID: sess.ID})
	if err != nil {
		return err
	}
	value, err := s.signer.Sign(payload)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    value,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(ttl.Seconds()),
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Delete removes sess from storage and clears the cookie.
func (s *Store) Delete(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess != nil {
		if err := s.store.Delete(ctx, storage.WithNamespace(namespace), storage.WithKey(sess.ID)); err != nil {
			return fmt.Errorf("sessions: delete: %w", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   s.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Rotate moves sess to a fresh id with a renewed lifetime, deletes the old
// record and saves the new one. Call it whenever the session's privilege
// changes, such as after login.
func (s *Store) Rotate(ctx context.Context, w http.ResponseWriter, sess *Session) (*Session, error) {
	oldID := sess.ID
	next := *sess
	fresh := s.New()
	next.ID, next.CreatedAt, next.ExpiresAt = fresh.ID, fresh.CreatedAt, fresh.ExpiresAt

	if oldID != "" {
		if err := s.store.Delete(ctx, storage.WithNamespace(namespace), storage.WithKey(oldID)); err != nil {
			return nil, fmt.Errorf("sessions: rotate: %w", err)
		}
	}
	if err := s.Save(ctx, w, &next); err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "sessions.rotate", slog.String("sub", next.Subject))
	return &next, nil
}

// LoadPrincipal implements auth.SessionLoader. Pending sessions do not
// authenticate.
func (s *Store) LoadPrincipal(r *http.Request) (*auth.Principal, error) {
	sess, err := s.Load(r.Context(), r)
	if err != nil {
		return nil, err
	}
	if !sess.Authenticated() {
		return nil, ErrNotFound
	}
	return auth.NewPrincipal(sess.Claims, auth.ModeStateful, sess.AccessToken), nil
}

var _ auth.SessionLoader = (*Store)(nil)
