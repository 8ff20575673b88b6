package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandler_AddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(slog.NewJSONHandler(&buf, nil))).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "GET", Path: "/datasets/6"})
	ctx = WithPrincipalData(ctx, &PrincipalData{Subject: "alice", Mode: "stateless"})
	ctx = WithDatasetData(ctx, &DatasetData{DatasetID: "6"})
	log.InfoContext(ctx, "dataset.authorize.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["component"] != "test" {
		t.Fatalf("attrs added via With were lost: %v", rec)
	}
	req, _ := rec["req"].(map[string]any)
	if req["id"] != "r1" || req["path"] != "/datasets/6" {
		t.Fatalf("unexpected req group: %v", rec["req"])
	}
	principal, _ := rec["principal"].(map[string]any)
	if principal["sub"] != "alice" {
		t.Fatalf("unexpected principal group: %v", rec["principal"])
	}
	dataset, _ := rec["dataset"].(map[string]any)
	if dataset["id"] != "6" {
		t.Fatalf("unexpected dataset group: %v", rec["dataset"])
	}
}

func TestHandler_NoContextNoGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(New(slog.NewJSONHandler(&buf, nil)))
	log.Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, k := range []string{"req", "principal", "dataset"} {
		if _, ok := rec[k]; ok {
			t.Fatalf("unexpected %q group without context data", k)
		}
	}
}
