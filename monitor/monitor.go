// Package monitor polls a fixed set of parameters at an interval and
// emits an event whenever a value changes. It stays quiet between changes
// so slow-moving vacuum process values do not flood the consumers.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/luksan/leybold-opc/logging"
	"github.com/luksan/leybold-opc/sdb"
	"github.com/luksan/leybold-opc/vacvision"
)

// EventKind classifies monitor events.
type EventKind int

const (
	// EventChange carries a parameter value seen for the first time or
	// differing from the previous poll.
	EventChange EventKind = iota
	// EventError reports a recoverable problem: a request timeout, a
	// protocol error, or one parameter rejected within a batch. Polling
	// continues.
	EventError
	// EventFault reports a dead connection. It is terminal: the event
	// channel closes after it and the consumer must reconnect and start a
	// new monitor.
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventChange:
		return "change"
	case EventError:
		return "error"
	case EventFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is one observation from the poll loop.
type Event struct {
	Kind      EventKind
	Param     string // empty on batch-level errors and faults
	Value     sdb.Value
	Timestamp time.Time
	Err       error
}

// Reader is the read capability the monitor needs, satisfied by
// *vacvision.Client.
type Reader interface {
	Read(ctx context.Context, names ...string) ([]*vacvision.ParamValue, error)
}

// Monitor polls a named parameter set on one controller.
type Monitor struct {
	reader   Reader
	names    []string
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	last   map[string]sdb.Value
}

// New creates a monitor for the given parameters. Names are read in one
// batched request per poll.
func New(r Reader, names []string, interval time.Duration) *Monitor {
	return &Monitor{
		reader:   r,
		names:    append([]string(nil), names...),
		interval: interval,
		last:     make(map[string]sdb.Value, len(names)),
	}
}

// Start launches the poll loop and returns its event channel. The first
// poll runs immediately and reports every parameter as changed. The
// channel closes when ctx is cancelled, Stop is called, or the connection
// faults.
func (m *Monitor) Start(ctx context.Context) <-chan Event {
	ctx, m.cancel = context.WithCancel(ctx)
	events := make(chan Event, 16)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(events)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		if !m.poll(ctx, events) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.poll(ctx, events) {
					return
				}
			}
		}
	}()
	return events
}

// Stop cancels the loop and waits for the event channel to close.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// poll performs one batched read and emits events. It returns false when
// polling must end.
func (m *Monitor) poll(ctx context.Context, events chan<- Event) bool {
	values, err := m.reader.Read(ctx, m.names...)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if vacvision.IsConnectionError(err) {
			emit(ctx, events, Event{Kind: EventFault, Timestamp: time.Now(), Err: err})
			return false
		}
		// Timeout or protocol error: this poll is lost, the next may work.
		logging.DebugLog("monitor", "poll failed: %v", err)
		return emit(ctx, events, Event{Kind: EventError, Timestamp: time.Now(), Err: err})
	}

	for _, pv := range values {
		if pv.Err != nil {
			if !emit(ctx, events, Event{Kind: EventError, Param: pv.Name, Timestamp: pv.Timestamp, Err: pv.Err}) {
				return false
			}
			continue
		}
		prev, seen := m.last[pv.Name]
		if seen && prev.Equal(pv.Value) {
			continue
		}
		m.last[pv.Name] = pv.Value
		if !emit(ctx, events, Event{Kind: EventChange, Param: pv.Name, Value: pv.Value, Timestamp: pv.Timestamp}) {
			return false
		}
	}
	return true
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
