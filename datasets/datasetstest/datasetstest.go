// Package datasetstest provides fakes of the dataset listing API.
package datasetstest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ggoodman/datasetauth/datasets"
)

// Lister is an in-memory datasets.Lister keyed by credential.
type Lister struct {
	mu    sync.Mutex
	sets  map[string][]datasets.Dataset
	calls int
	Err   error
}

// NewLister returns an empty Lister.
func NewLister() *Lister {
	return &Lister{sets: map[string][]datasets.Dataset{}}
}

// Grant makes credential see the datasets with the given ids.
func (l *Lister) Grant(credential string, ids ...int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.sets[credential] = append(l.sets[credential], datasets.Dataset{
			ID:   datasets.ID(strconv.Itoa(id)),
			Name: "dataset-" + strconv.Itoa(id),
		})
	}
}

// SetErr makes every List call fail with err (nil to recover).
func (l *Lister) SetErr(err error) {
	l.mu.Lock()
	l.Err = err
	l.mu.Unlock()
}

// List implements datasets.Lister.
func (l *Lister) List(ctx context.Context, credential string, managedOnly bool) ([]datasets.Dataset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.Err != nil {
		return nil, l.Err
	}
	var out []datasets.Dataset
	for _, d := range l.sets[credential] {
		if managedOnly && !d.Managed {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Calls reports how many List calls were made.
func (l *Lister) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

var _ datasets.Lister = (*Lister)(nil)

// API serves GET /datasets from a Lister, answering with Status when it is
// non-zero. Mount it under httptest.NewServer.
type API struct {
	Lister *Lister

	mu      sync.Mutex
	status  int
	revoked map[string]bool
}

// NewAPI wraps l.
func NewAPI(l *Lister) *API {
	return &API{Lister: l}
}

// FailWith makes the API answer every request with status (0 to recover).
func (a *API) FailWith(status int) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// Revoke makes the API answer 401 to requests bearing credential.
func (a *API) Revoke(credential string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revoked == nil {
		a.revoked = map[string]bool{}
	}
	a.revoked[credential] = true
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	status := a.status
	a.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/datasets") {
		http.NotFound(w, r)
		return
	}
	cred, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "missing bearer", http.StatusUnauthorized)
		return
	}
	a.mu.Lock()
	denied := a.revoked[cred]
	a.mu.Unlock()
	if denied {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	managed, _ := strconv.ParseBool(r.URL.Query().Get("managed_only"))
	list, err := a.Lister.List(r.Context(), cred, managed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if list == nil {
		list = []datasets.Dataset{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
