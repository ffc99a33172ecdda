package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/blendchat/internal/events"
)

// Usage is a point-in-time copy of [DailyUsage].
type Usage struct {
	Requests       int64
	Failures       int64
	PromptTokens   int64
	ResponseTokens int64
	LastRequest    time.Time
	LastModel      string
}

// DailyUsage counts worker requests and estimated tokens, resetting at
// local midnight. LastRequest and LastModel survive the reset. It is
// safe for concurrent use.
type DailyUsage struct {
	mu       sync.Mutex
	today    Usage
	resetDay int // day-of-year of the last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyUsage creates a counter that rolls over at midnight in loc
// ([time.Local] when nil).
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record adds one processed request.
func (d *DailyUsage) Record(model string, ok bool, promptTokens, responseTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.today.Requests++
	if !ok {
		d.today.Failures++
	}
	d.today.PromptTokens += int64(promptTokens)
	d.today.ResponseTokens += int64(responseTokens)
	d.today.LastRequest = d.now()
	d.today.LastModel = model
}

// Observe records e when it is a worker request_processed event and
// ignores anything else.
func (d *DailyUsage) Observe(e events.Event) {
	if e.Kind != events.KindRequestProcessed {
		return
	}
	model, _ := e.Data["model"].(string)
	ok, _ := e.Data["ok"].(bool)
	prompt, _ := e.Data["prompt_tokens"].(int)
	response, _ := e.Data["response_tokens"].(int)
	d.Record(model, ok, prompt, response)
}

// Follow feeds events from sub into Observe until ctx is done or sub is
// closed.
func (d *DailyUsage) Follow(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			d.Observe(e)
		}
	}
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.today
}

// maybeReset zeroes the counters when the local day has changed. d.mu
// must be held.
func (d *DailyUsage) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today == d.resetDay {
		return
	}
	d.today = Usage{LastRequest: d.today.LastRequest, LastModel: d.today.LastModel}
	d.resetDay = today
}
