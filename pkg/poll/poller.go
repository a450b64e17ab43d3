package poll

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"chatsync/pkg/store"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 2500 * time.Millisecond

const fetchTimeout = 5 * time.Second

// Fetcher is the slice of the backend API the poller needs.
type Fetcher interface {
	Messages(ctx context.Context, conversationID string, since time.Time) ([]store.Message, error)
}

// Poller periodically fetches new messages for the active conversation
// and folds them into the store. A failed tick is logged and retried on
// the next one; polling is never fatal to the session.
type Poller struct {
	store    *store.Store
	api      Fetcher
	interval time.Duration
	group    singleflight.Group
	logger   interface {
		Printf(string, ...interface{})
	}
}

// New creates a poller. interval <= 0 selects DefaultInterval.
func New(s *store.Store, api Fetcher, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		store:    s,
		api:      api,
		interval: interval,
		logger:   log.New(log.Writer(), "[poll] ", log.LstdFlags),
	}
}

// Task is the cancellable handle for one conversation's poll loop. The
// conversation selector owns exactly one live Task at a time; switching
// conversations stops the old task before starting the new one.
type Task struct {
	conversationID string
	stop           chan struct{}
	done           chan struct{}
	poke           chan struct{}
	stopOnce       sync.Once
}

// Stop signals the loop to exit. It does not wait for an in-flight
// fetch; a response arriving after Stop is discarded, not merged.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Wait blocks until the loop goroutine has exited.
func (t *Task) Wait() { <-t.done }

// Poke requests an earlier poll, used when a push notification hints at
// new messages. Hints are coalesced and rate limited inside the loop.
func (t *Task) Poke() {
	select {
	case t.poke <- struct{}{}:
	default:
	}
}

func (t *Task) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Start begins polling a conversation and returns its handle.
func (p *Poller) Start(conversationID string) *Task {
	t := &Task{
		conversationID: conversationID,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		poke:           make(chan struct{}, 1),
	}
	go p.run(t)
	return t
}

func (p *Poller) run(t *Task) {
	defer close(t.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// A burst of push hints must not stampede the backend.
	hints := rate.NewLimiter(rate.Every(time.Second), 1)

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			p.pollOnce(t)
		case <-t.poke:
			if hints.Allow() {
				p.pollOnce(t)
			}
		}
	}
}

// pollOnce issues one fetch since the store's confirmed-message cursor
// and merges the batch. Concurrent polls for the same conversation
// collapse into a single request.
func (p *Poller) pollOnce(t *Task) {
	since := p.store.LastConfirmedTime(t.conversationID)

	v, err, _ := p.group.Do(t.conversationID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		return p.api.Messages(ctx, t.conversationID, since)
	})
	if err != nil {
		p.logger.Printf("poll %s failed, will retry: %v", t.conversationID, err)
		return
	}
	if t.stopped() {
		// The conversation was deactivated while the request was in
		// flight; its response must not leak into the store.
		return
	}

	batch := v.([]store.Message)
	if len(batch) > 0 {
		p.store.Merge(t.conversationID, batch)
	}
}
