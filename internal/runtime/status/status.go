// Package status tracks the operator-visible state of a node and pushes every
// transition to registered observers. Status is observational only; nothing
// in flowbus branches on it.
package status

import (
	"sync"
	"time"
)

// State is the coarse operational state of a node.
type State int

const (
	Disconnected State = iota
	Connected
	Active
	Error
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Active:
		return "active"
	case Error:
		return "error"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Op is the kind of operation a transition resulted from. An error stays in
// place until an operation of the same kind succeeds.
type Op int

const (
	OpLifecycle Op = iota
	OpBind
	OpSend
	OpReceive
)

func (o Op) String() string {
	switch o {
	case OpBind:
		return "bind"
	case OpSend:
		return "send"
	case OpReceive:
		return "receive"
	default:
		return "lifecycle"
	}
}

// Path selects how errors are drawn: receivers use a ring, senders a dot.
type Path int

const (
	ReceivePath Path = iota
	SendPath
)

// Indicator texts.
const (
	TextDisconnected = "disconnected"
	TextConnected    = "connected"
	TextReceiving    = "receiving messages"
	TextOK           = "OK"
	TextError        = "error, see debug or outputs"
)

// Indicator is the (fill, shape, text) tuple shown next to a node.
type Indicator struct {
	Fill  string `json:"fill"`
	Shape string `json:"shape"`
	Text  string `json:"text"`
}

// Snapshot is one observed transition.
type Snapshot struct {
	Node      string    `json:"node"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Op        string    `json:"op"`
	Error     string    `json:"error,omitempty"`
	Indicator Indicator `json:"indicator"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Observer receives every status transition of a node.
type Observer interface {
	StatusChanged(Snapshot)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Snapshot)

func (f ObserverFunc) StatusChanged(s Snapshot) { f(s) }

// Reporter owns the state of one node. Observers are called synchronously
// and in transition order; they must not call back into the Reporter.
type Reporter struct {
	mu        sync.Mutex
	node      string
	path      Path
	current   Snapshot
	errOp     Op
	observers []Observer
	now       func() time.Time
}

// NewReporter creates a reporter in the Disconnected state.
func NewReporter(node string, path Path, observers ...Observer) *Reporter {
	r := &Reporter{
		node:      node,
		path:      path,
		observers: append([]Observer(nil), observers...),
		now:       time.Now,
	}
	r.current = r.snapshot(Disconnected, TextDisconnected, OpLifecycle, nil)
	return r
}

// Subscribe adds an observer and immediately sends it the current snapshot.
func (r *Reporter) Subscribe(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
	o.StatusChanged(r.current)
}

// Current returns the latest snapshot.
func (r *Reporter) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Disconnected records a lifecycle transition to Disconnected. It always
// applies, clearing any error.
func (r *Reporter) Disconnected(detail string) {
	if detail == "" {
		detail = TextDisconnected
	}
	r.set(Disconnected, detail, OpLifecycle, nil)
}

// Connected records a successful bind or subscription.
func (r *Reporter) Connected(op Op) {
	r.set(Connected, TextConnected, op, nil)
}

// Sent records a successful send.
func (r *Reporter) Sent() {
	r.set(Connected, TextOK, OpSend, nil)
}

// Active records a delivered message. It stays until the next transition.
func (r *Reporter) Active() {
	r.set(Active, TextReceiving, OpReceive, nil)
}

// Fail records a failure of op.
func (r *Reporter) Fail(op Op, err error) {
	r.set(Error, TextError, op, err)
}

func (r *Reporter) set(state State, detail string, op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current.State == Error && state != Error && state != Disconnected && op != r.errOp {
		return
	}
	if state == Error {
		r.errOp = op
	}
	r.current = r.snapshot(state, detail, op, err)
	for _, o := range r.observers {
		o.StatusChanged(r.current)
	}
}

func (r *Reporter) snapshot(state State, detail string, op Op, err error) Snapshot {
	s := Snapshot{
		Node:      r.node,
		State:     state,
		Detail:    detail,
		Op:        op.String(),
		Indicator: IndicatorFor(state, detail, r.path),
		UpdatedAt: r.now(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// IndicatorFor maps a state to its indicator tuple.
func IndicatorFor(state State, detail string, path Path) Indicator {
	switch state {
	case Connected:
		if detail == TextOK {
			return Indicator{Fill: "green", Shape: "dot", Text: TextOK}
		}
		return Indicator{Fill: "green", Shape: "ring", Text: TextConnected}
	case Active:
		return Indicator{Fill: "green", Shape: "dot", Text: TextReceiving}
	case Error:
		shape := "ring"
		if path == SendPath {
			shape = "dot"
		}
		return Indicator{Fill: "red", Shape: shape, Text: TextError}
	default:
		return Indicator{Fill: "gray", Shape: "ring", Text: TextDisconnected}
	}
}
