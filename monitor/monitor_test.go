package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luksan/leybold-opc/sdb"
	"github.com/luksan/leybold-opc/vacvision"
)

// scriptedReader returns one prepared poll result per Read call and
// repeats the last entry when the script runs out.
type scriptedReader struct {
	polls []func(names []string) ([]*vacvision.ParamValue, error)
	calls int
}

func (r *scriptedReader) Read(ctx context.Context, names ...string) ([]*vacvision.ParamValue, error) {
	i := r.calls
	if i >= len(r.polls) {
		i = len(r.polls) - 1
	}
	r.calls++
	return r.polls[i](names)
}

func values(vals map[string]sdb.Value) func(names []string) ([]*vacvision.ParamValue, error) {
	return func(names []string) ([]*vacvision.ParamValue, error) {
		out := make([]*vacvision.ParamValue, len(names))
		for i, name := range names {
			out[i] = &vacvision.ParamValue{Name: name, Value: vals[name], Timestamp: time.Now()}
		}
		return out, nil
	}
}

func dword(v int64) sdb.Value { return sdb.Value{Kind: sdb.KindDword, Int: v} }

func collect(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("channel closed after %d of %d events", len(got), n)
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

// The first poll reports everything; a value changing on the second poll
// produces exactly one further change event.
func TestChangeDetection(t *testing.T) {
	r := &scriptedReader{polls: []func([]string) ([]*vacvision.ParamValue, error){
		values(map[string]sdb.Value{"PumpSpeed": dword(1500), "ChamberPressure": dword(7)}),
		values(map[string]sdb.Value{"PumpSpeed": dword(1520), "ChamberPressure": dword(7)}),
		values(map[string]sdb.Value{"PumpSpeed": dword(1520), "ChamberPressure": dword(7)}),
	}}
	m := New(r, []string{"PumpSpeed", "ChamberPressure"}, 10*time.Millisecond)
	events := m.Start(context.Background())
	defer m.Stop()

	got := collect(t, events, 3)
	if got[0].Kind != EventChange || got[0].Param != "PumpSpeed" || got[0].Value.Int != 1500 {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Kind != EventChange || got[1].Param != "ChamberPressure" {
		t.Errorf("event 1 = %+v", got[1])
	}
	if got[2].Kind != EventChange || got[2].Param != "PumpSpeed" || got[2].Value.Int != 1520 {
		t.Errorf("event 2 = %+v", got[2])
	}

	// Polls keep running on the last script entry; nothing changes, so no
	// further events may arrive.
	select {
	case ev, ok := <-events:
		if ok {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// A timeout loses one poll but the loop keeps going.
func TestRecoverableErrorKeepsPolling(t *testing.T) {
	r := &scriptedReader{polls: []func([]string) ([]*vacvision.ParamValue, error){
		func([]string) ([]*vacvision.ParamValue, error) {
			return nil, &vacvision.TimeoutError{Op: "param read"}
		},
		values(map[string]sdb.Value{"PumpSpeed": dword(100)}),
	}}
	m := New(r, []string{"PumpSpeed"}, 10*time.Millisecond)
	events := m.Start(context.Background())
	defer m.Stop()

	got := collect(t, events, 2)
	if got[0].Kind != EventError {
		t.Errorf("event 0 = %+v, want error", got[0])
	}
	var te *vacvision.TimeoutError
	if !errors.As(got[0].Err, &te) {
		t.Errorf("event 0 error = %v", got[0].Err)
	}
	if got[1].Kind != EventChange || got[1].Value.Int != 100 {
		t.Errorf("event 1 = %+v, want change", got[1])
	}
}

// One rejected parameter produces a per-parameter error; the others still
// report normally.
func TestPerParameterError(t *testing.T) {
	r := &scriptedReader{polls: []func([]string) ([]*vacvision.ParamValue, error){
		func(names []string) ([]*vacvision.ParamValue, error) {
			return []*vacvision.ParamValue{
				{Name: names[0], Value: dword(1), Timestamp: time.Now()},
				{Name: names[1], Err: errors.New("rejected by controller"), Timestamp: time.Now()},
			}, nil
		},
	}}
	m := New(r, []string{"Good", "Bad"}, time.Hour)
	events := m.Start(context.Background())
	defer m.Stop()

	got := collect(t, events, 2)
	if got[0].Kind != EventChange || got[0].Param != "Good" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Kind != EventError || got[1].Param != "Bad" || got[1].Err == nil {
		t.Errorf("event 1 = %+v", got[1])
	}
}

// A connection fault ends the monitor: one fault event, then the channel
// closes.
func TestFaultIsTerminal(t *testing.T) {
	r := &scriptedReader{polls: []func([]string) ([]*vacvision.ParamValue, error){
		values(map[string]sdb.Value{"PumpSpeed": dword(1)}),
		func([]string) ([]*vacvision.ParamValue, error) {
			return nil, &vacvision.ConnectionError{Op: "param read", Err: errors.New("broken pipe")}
		},
	}}
	m := New(r, []string{"PumpSpeed"}, 10*time.Millisecond)
	events := m.Start(context.Background())
	defer m.Stop()

	got := collect(t, events, 2)
	if got[0].Kind != EventChange {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[1].Kind != EventFault || !vacvision.IsConnectionError(got[1].Err) {
		t.Errorf("event 1 = %+v", got[1])
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Error("event after fault")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after fault")
	}
}

func TestStopClosesChannel(t *testing.T) {
	r := &scriptedReader{polls: []func([]string) ([]*vacvision.ParamValue, error){
		values(map[string]sdb.Value{"PumpSpeed": dword(1)}),
	}}
	m := New(r, []string{"PumpSpeed"}, time.Hour)
	events := m.Start(context.Background())

	collect(t, events, 1)
	m.Stop()

	if _, ok := <-events; ok {
		t.Error("channel still open after Stop")
	}
}

func TestContextCancelClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{polls: []func([]string) ([]*vacvision.ParamValue, error){
		values(map[string]sdb.Value{"PumpSpeed": dword(1)}),
	}}
	m := New(r, []string{"PumpSpeed"}, time.Hour)
	events := m.Start(ctx)
	defer m.Stop()

	collect(t, events, 1)
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("event after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}
}
