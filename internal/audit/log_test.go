package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"ecofleet.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(zerolog.New(&buf))
	defer obs.SetLogger(prev)

	ctx := WithRequestID(context.Background(), "req-123")
	err := LogEvent(ctx, Event{
		ActorID:  "user-42",
		Action:   "record.submit",
		Resource: "trip_sheet/01J",
		Decision: DecisionDeny,
		Reason:   "out_of_scope",
		Fields:   map[string]any{"foo": "bar"},
	})
	if err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["action"] != "record.submit" {
		t.Fatalf("unexpected action: %v", entry["action"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor_id"] != "user-42" {
		t.Fatalf("unexpected actor id: %v", entry["actor_id"])
	}
	if entry["reason"] != "out_of_scope" {
		t.Fatalf("unexpected reason: %v", entry["reason"])
	}
	if entry["event_id"] == "" || entry["event_id"] == nil {
		t.Fatal("expected generated event id")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresAction(t *testing.T) {
	if err := LogEvent(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for empty action")
	}
}

type appenderFunc func(ctx context.Context, evt Event) error

func (f appenderFunc) AppendAudit(ctx context.Context, evt Event) error { return f(ctx, evt) }

func TestMultiSharesIdentity(t *testing.T) {
	var stored []Event
	mem := &Memory{}
	store := StoreRecorder{Store: appenderFunc(func(_ context.Context, evt Event) error {
		stored = append(stored, evt)
		return nil
	})}

	Multi{mem, store, nil}.Record(context.Background(), Event{Action: "authz.deny"})

	got := mem.Events()
	if len(got) != 1 || len(stored) != 1 {
		t.Fatalf("expected one event per sink, got %d and %d", len(got), len(stored))
	}
	if got[0].ID == "" || got[0].ID != stored[0].ID {
		t.Fatalf("sinks saw different ids: %q vs %q", got[0].ID, stored[0].ID)
	}
	if !got[0].Timestamp.Equal(stored[0].Timestamp) {
		t.Fatal("sinks saw different timestamps")
	}
}

func TestStoreRecorderSwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	prev := obs.SetLogger(zerolog.New(&buf))
	defer obs.SetLogger(prev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var sawLiveCtx bool
	StoreRecorder{Store: appenderFunc(func(ctx context.Context, _ Event) error {
		sawLiveCtx = ctx.Err() == nil
		return errors.New("db down")
	})}.Record(ctx, Event{Action: "record.decide"})

	if !sawLiveCtx {
		t.Fatal("expected append to run with a non-cancelled context")
	}
	if !bytes.Contains(buf.Bytes(), []byte("audit.append_failed")) {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}
