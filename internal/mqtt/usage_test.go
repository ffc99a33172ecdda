package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/blendchat/internal/events"
)

func TestDailyUsage_Record(t *testing.T) {
	d := NewDailyUsage(time.UTC)
	d.Record("qwen3:4b", true, 100, 200)
	d.Record("llama3", false, 50, 75)

	u := d.Snapshot()
	if u.Requests != 2 || u.Failures != 1 {
		t.Errorf("requests/failures = %d/%d, want 2/1", u.Requests, u.Failures)
	}
	if u.PromptTokens != 150 || u.ResponseTokens != 275 {
		t.Errorf("tokens = %d/%d, want 150/275", u.PromptTokens, u.ResponseTokens)
	}
	if u.LastModel != "llama3" || u.LastRequest.IsZero() {
		t.Errorf("last = %q at %v", u.LastModel, u.LastRequest)
	}
}

func TestDailyUsage_Concurrent(t *testing.T) {
	d := NewDailyUsage(time.UTC)
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Record("m", true, 10, 20)
		}()
	}
	wg.Wait()

	u := d.Snapshot()
	if u.Requests != 100 || u.PromptTokens != 1000 || u.ResponseTokens != 2000 {
		t.Errorf("snapshot = %+v", u)
	}
}

func TestDailyUsage_MidnightReset(t *testing.T) {
	now := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	d := NewDailyUsage(time.UTC)
	d.now = func() time.Time { return now }
	d.resetDay = now.YearDay()

	d.Record("qwen3:4b", true, 10, 10)
	now = now.Add(2 * time.Minute)

	u := d.Snapshot()
	if u.Requests != 0 || u.PromptTokens != 0 {
		t.Errorf("counters not reset after midnight: %+v", u)
	}
	if u.LastModel != "qwen3:4b" {
		t.Errorf("last model lost on reset: %q", u.LastModel)
	}
}

func TestDailyUsage_Observe(t *testing.T) {
	d := NewDailyUsage(time.UTC)

	d.Observe(events.Event{Kind: events.KindResponseFound, Data: map[string]any{"sequence": uint64(1)}})
	d.Observe(events.Event{Kind: events.KindRequestProcessed, Data: map[string]any{
		"model":           "qwen3:4b",
		"ok":              true,
		"prompt_tokens":   120,
		"response_tokens": 30,
	}})

	u := d.Snapshot()
	if u.Requests != 1 || u.PromptTokens != 120 || u.ResponseTokens != 30 || u.LastModel != "qwen3:4b" {
		t.Errorf("snapshot = %+v", u)
	}
}

func TestDailyUsage_Follow(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(4)
	d := NewDailyUsage(time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Follow(ctx, sub)
		close(done)
	}()

	bus.Emit(events.SourceWorker, events.KindRequestProcessed, map[string]any{"model": "m", "ok": false})

	deadline := time.After(2 * time.Second)
	for d.Snapshot().Requests == 0 {
		select {
		case <-deadline:
			t.Fatal("event not observed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if d.Snapshot().Failures != 1 {
		t.Error("failed request not counted")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
