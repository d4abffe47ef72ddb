package statemachine

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryProviderRoundTrip(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if rec, err := p.Load(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("Load(missing) = %v, %v; want nil, nil", rec, err)
	}
	if ok, _ := p.Exists(ctx, "missing"); ok {
		t.Fatal("Exists(missing) = true")
	}

	in := &Record{
		State:           "RINGING",
		LastStateChange: time.Now().Truncate(time.Millisecond),
		Context:         json.RawMessage(`{"caller":"+15551234"}`),
	}
	if err := p.Save(ctx, "call-1", in); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's buffer must not corrupt the stored copy.
	in.Context[2] = 'X'

	out, err := p.Load(ctx, "call-1")
	if err != nil || out == nil {
		t.Fatalf("load: %v, %v", out, err)
	}
	if out.State != "RINGING" || !out.LastStateChange.Equal(in.LastStateChange) {
		t.Fatalf("record = %+v", out)
	}
	if string(out.Context) != `{"caller":"+15551234"}` {
		t.Fatalf("context = %s", out.Context)
	}

	if ok, _ := p.Exists(ctx, "call-1"); !ok {
		t.Fatal("Exists = false after save")
	}
	if complete, _ := p.IsComplete(ctx, "call-1"); complete {
		t.Fatal("IsComplete = true for incomplete record")
	}

	out.Complete = true
	if err := p.Save(ctx, "call-1", out); err != nil {
		t.Fatalf("save complete: %v", err)
	}
	if complete, _ := p.IsComplete(ctx, "call-1"); !complete {
		t.Fatal("IsComplete = false after completing")
	}

	if err := p.Delete(ctx, "call-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if p.Count() != 0 {
		t.Fatalf("count = %d after delete", p.Count())
	}
}
