package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request, principal and dataset attributes
// carried on the context.
type Handler struct {
	slog.Handler
}

// New wraps h.
func New(h slog.Handler) Handler {
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if pd, ok := ctx.Value(principalDataKey{}).(*PrincipalData); ok {
		r.AddAttrs(slog.Group("principal",
			slog.String("sub", pd.Subject),
			slog.String("mode", pd.Mode),
		))
	}

	if dd, ok := ctx.Value(datasetDataKey{}).(*DatasetData); ok {
		r.AddAttrs(slog.Group("dataset",
			slog.String("id", dd.DatasetID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type principalDataKey struct{}

type PrincipalData struct {
	Subject string
	Mode    string
}

func WithPrincipalData(ctx context.Context, data *PrincipalData) context.Context {
	return context.WithValue(ctx, principalDataKey{}, data)
}

type datasetDataKey struct{}

type DatasetData struct {
	DatasetID string
}

func WithDatasetData(ctx context.Context, data *DatasetData) context.Context {
	return context.WithValue(ctx, datasetDataKey{}, data)
}
