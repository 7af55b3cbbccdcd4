package vacvision

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/luksan/leybold-opc/logging"
)

// ConnState describes the lifecycle of a controller session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateReady
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

type request struct {
	op      string
	payload []byte
	poll    bool
	done    chan response // buffered, written exactly once
}

type response struct {
	payload []byte
	err     error
}

// engine serializes all protocol traffic through a single loop goroutine.
// The controller answers strictly in request order with one request in
// flight, so the loop sends a command, reads its response, runs the
// acknowledge exchange, and only then takes the next request.
type engine struct {
	tr       *transport
	queue    chan *request
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{} // closed when the loop has exited

	mu       sync.Mutex
	state    ConnState
	faultErr error

	maxTimeouts int

	// owed counts responses still outstanding for requests that timed out.
	// The controller answers strictly in order, so the next owed frames on
	// the stream belong to those requests and must be discarded, never
	// delivered to a later request. Touched only by the loop goroutine.
	owed int
}

func newEngine(tr *transport, maxTimeouts int) *engine {
	e := &engine{
		tr:          tr,
		queue:       make(chan *request),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateHandshaking,
		maxTimeouts: maxTimeouts,
	}
	go e.run()
	return e
}

func (e *engine) setState(s ConnState, faultErr error) {
	e.mu.Lock()
	e.state = s
	if faultErr != nil {
		e.faultErr = faultErr
	}
	e.mu.Unlock()
}

// State returns the current session state.
func (e *engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// closedErr builds the error submit returns once the loop has exited.
func (e *engine) closedErr(op string) error {
	e.mu.Lock()
	state, ferr := e.state, e.faultErr
	e.mu.Unlock()
	if state == StateFaulted && ferr != nil {
		return &ConnectionError{Op: op, Err: ferr}
	}
	return &ConnectionError{Op: op, Err: ErrClosed}
}

// submit queues one request and waits for its response. Cancelling the
// context abandons the request; the loop still completes the wire exchange
// to keep the stream in sync, and the buffered done channel absorbs the
// result.
func (e *engine) submit(ctx context.Context, op string, payload []byte, poll bool) ([]byte, error) {
	req := &request{op: op, payload: payload, poll: poll, done: make(chan response, 1)}
	select {
	case e.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, e.closedErr(op)
	}
	select {
	case r := <-req.done:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, e.closedErr(op)
	}
}

// close shuts the loop down and releases the socket. Safe to call more
// than once.
func (e *engine) close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *engine) run() {
	defer close(e.done)
	defer e.tr.close()

	timeouts := 0
	for {
		select {
		case <-e.stop:
			e.setState(StateDisconnected, nil)
			e.failQueued(ErrClosed)
			return
		case req := <-e.queue:
			payload, err := e.roundTrip(req)
			switch {
			case err == nil:
				timeouts = 0
				req.done <- response{payload: payload}
			case isTimeout(err):
				timeouts++
				logging.DebugLog("vacvision", "%s timed out (%d consecutive)", req.op, timeouts)
				req.done <- response{err: &TimeoutError{Op: req.op}}
				if timeouts >= e.maxTimeouts {
					e.fault(fmt.Errorf("%d consecutive request timeouts", timeouts))
					return
				}
			default:
				req.done <- response{err: &ConnectionError{Op: req.op, Err: err}}
				e.fault(err)
				return
			}
		}
	}
}

func (e *engine) roundTrip(req *request) ([]byte, error) {
	// Settle frames already buffered from timed-out requests before
	// sending, then treat the first owed frames after sending as theirs.
	// A late reply from a slow controller is discarded either way instead
	// of resolving this request with the wrong payload.
	if err := e.drainStale(staleDrainWait); err != nil {
		return nil, err
	}
	if err := e.tr.sendFrame(req.payload, req.poll); err != nil {
		return nil, err
	}
	if err := e.drainStale(e.tr.timeout); err != nil {
		return nil, err
	}
	payload, err := e.tr.recvFrame()
	if err != nil {
		if isTimeout(err) {
			e.owed++
		}
		return nil, err
	}
	mismatch, err := e.tr.exchangeAck()
	if err != nil {
		// The ack reply, not a response frame, is what remains owed here.
		if isTimeout(err) {
			e.owed++
		}
		return nil, err
	}
	if mismatch {
		logging.DebugLog("vacvision", "unexpected ack reply after %s", req.op)
	}
	return payload, nil
}

// drainStale discards frames owed by timed-out requests, waiting up to
// wait for each. Stops once nothing more arrives; a frame that never
// shows up stays owed. Read errors other than timeouts are returned and
// fault the session, since the stream can no longer be trusted.
func (e *engine) drainStale(wait time.Duration) error {
	for e.owed > 0 {
		ok, err := e.tr.discardStale(wait)
		if err != nil || !ok {
			return err
		}
		e.owed--
		logging.DebugLog("vacvision", "discarded stale frame, %d still owed", e.owed)
	}
	return nil
}

// fault marks the session broken and fails everything still queued. The
// consumer must Close and reconnect; there is no automatic recovery.
func (e *engine) fault(cause error) {
	log.Printf("vacvision: connection faulted: %v", cause)
	e.setState(StateFaulted, cause)
	e.failQueued(cause)
}

func (e *engine) failQueued(cause error) {
	for {
		select {
		case req := <-e.queue:
			req.done <- response{err: &ConnectionError{Op: req.op, Err: cause}}
		default:
			return
		}
	}
}
