package relay

import (
	"strings"
	"sync"
)

// State tracks one exchange through its lifecycle. The three terminal states
// are equivalent for resource purposes: each runs the shared finalize routine
// exactly once.
type State int

const (
	StateOpen State = iota
	StateStreaming
	StateCompleted
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateErrored
}

// Sink observes one exchange. The exchange owns all transition logic; the
// sink is passive. OnComplete fires exactly once per exchange, after the last
// OnDelta, no matter how the exchange ended.
type Sink interface {
	// OnDelta receives the accumulated text so far plus the new fragment alone.
	OnDelta(total, fragment string)
	// OnComplete receives the final accumulated text.
	OnComplete(final string)
	// OnError receives a failure before the terminal OnComplete delivers
	// whatever partial text exists.
	OnError(err error)
}

// Exchange is the per-call relay state machine. One Exchange serves one
// request/stream exchange and is never reused; concurrent exchanges are
// fully independent.
type Exchange struct {
	mu    sync.Mutex
	state State
	buf   strings.Builder
	sink  Sink
}

// NewExchange returns an Exchange in StateOpen reporting to sink.
func NewExchange(sink Sink) *Exchange {
	return &Exchange{state: StateOpen, sink: sink}
}

// State returns the current lifecycle state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Text returns the accumulated response so far.
func (e *Exchange) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.String()
}

// Append records one content fragment. The first fragment moves the exchange
// from open to streaming. Fragments arriving after a terminal transition are
// dropped.
func (e *Exchange) Append(fragment string) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = StateStreaming
	e.buf.WriteString(fragment)
	total := e.buf.String()
	sink := e.sink
	e.mu.Unlock()
	if sink != nil && fragment != "" {
		sink.OnDelta(total, fragment)
	}
}

// Complete finalizes the exchange normally. A second call is a no-op.
func (e *Exchange) Complete() {
	e.finalize(StateCompleted, nil)
}

// Abort finalizes after a caller-initiated cancellation, delivering whatever
// text accumulated so far.
func (e *Exchange) Abort() {
	e.finalize(StateAborted, nil)
}

// Fail surfaces err to the sink and then finalizes with the partial text.
// Output already produced is never dropped.
func (e *Exchange) Fail(err error) {
	e.finalize(StateErrored, err)
}

func (e *Exchange) finalize(terminal State, err error) {
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return
	}
	e.state = terminal
	final := e.buf.String()
	sink := e.sink
	e.mu.Unlock()

	if sink == nil {
		return
	}
	if err != nil {
		sink.OnError(err)
	}
	sink.OnComplete(final)
}
