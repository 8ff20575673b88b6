package datasets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
)

// Keys are the parameter names recognized as carrying a dataset id.
var Keys = []string{"dataset_id", "datasetId", "datasetID"}

// MaxBodyBytes bounds how much of a request body Extract inspects.
const MaxBodyBytes = 1 << 20

var (
	formMediaType      = contenttype.NewMediaType("application/x-www-form-urlencoded")
	multipartMediaType = contenttype.NewMediaType("multipart/form-data")
	jsonMediaType      = contenttype.NewMediaType("application/json")
)

// Extract returns the single dataset id named by r, or "" when r names none.
// Route parameters, the query string and form or JSON bodies are all
// searched; two or more distinct ids yield ErrAmbiguousDatasetID. The body is
// left readable for downstream handlers.
func Extract(r *http.Request) (string, error) {
	var found []string
	add := func(v string) {
		if v = canonicalID(v); v != "" && !slices.Contains(found, v) {
			found = append(found, v)
		}
	}

	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, k := range rctx.URLParams.Keys {
			if slices.Contains(Keys, k) && i < len(rctx.URLParams.Values) {
				add(rctx.URLParams.Values[i])
			}
		}
	}

	addValues(r.URL.Query(), add)

	vals, err := bodyValues(r)
	if err != nil {
		return "", &AuthzError{Kind: KindUnauthorized, Err: err}
	}
	for _, v := range vals {
		add(v)
	}

	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", &AuthzError{Kind: KindAmbiguousDatasetID, IDs: found, Err: errors.New("multiple dataset IDs")}
	}
}

func addValues(v url.Values, add func(string)) {
	for _, k := range Keys {
		for _, s := range v[k] {
			add(s)
		}
	}
}

// bodyValues reads dataset ids from a form or JSON body and restores r.Body.
func bodyValues(r *http.Request) ([]string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	mt, err := contenttype.GetMediaType(r)
	if err != nil {
		// No or unparseable Content-Type: the body is opaque.
		return nil, nil
	}

	var kind string
	switch {
	case mt.Matches(formMediaType):
		kind = "form"
	case mt.Matches(multipartMediaType):
		kind = "multipart"
	case mt.Matches(jsonMediaType), mt.Type == "application" && strings.HasSuffix(mt.Subtype, "+json"):
		kind = "json"
	default:
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", MaxBodyBytes)
	}

	var out []string
	collect := func(s string) { out = append(out, s) }
	switch kind {
	case "form":
		v, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		addValues(v, collect)
	case "multipart":
		boundary := mt.Parameters["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart body without boundary")
		}
		form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(MaxBodyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse multipart body: %w", err)
		}
		defer form.RemoveAll()
		addValues(url.Values(form.Value), collect)
	case "json":
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, nil
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse json body: %w", err)
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, nil
		}
		for _, k := range Keys {
			if v, ok := obj[k]; ok {
				collect(jsonValue(v))
			}
		}
	}
	return out, nil
}

func jsonValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// canonicalID trims s and renders integer ids in plain decimal so that "06",
// "6" and 6 compare equal.
func canonicalID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}
