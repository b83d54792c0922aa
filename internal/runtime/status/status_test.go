package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	snapshots []Snapshot
}

func (r *recorder) StatusChanged(s Snapshot) { r.snapshots = append(r.snapshots, s) }

func (r *recorder) states() []State {
	out := make([]State, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		out = append(out, s.State)
	}
	return out
}

func TestNewReporterStartsDisconnected(t *testing.T) {
	r := NewReporter("orders-in", ReceivePath)
	cur := r.Current()
	assert.Equal(t, Disconnected, cur.State)
	assert.Equal(t, "orders-in", cur.Node)
	assert.Equal(t, Indicator{Fill: "gray", Shape: "ring", Text: "disconnected"}, cur.Indicator)
}

func TestReceiveLifecycle(t *testing.T) {
	rec := &recorder{}
	r := NewReporter("events-in", ReceivePath, rec)

	r.Connected(OpBind)
	r.Active()
	r.Active()

	require.Equal(t, []State{Connected, Active, Active}, rec.states())
	assert.Equal(t, Indicator{Fill: "green", Shape: "ring", Text: "connected"}, rec.snapshots[0].Indicator)
	assert.Equal(t, Indicator{Fill: "green", Shape: "dot", Text: "receiving messages"}, rec.snapshots[1].Indicator)
}

func TestSendSuccessIndicator(t *testing.T) {
	r := NewReporter("orders-out", SendPath)
	r.Sent()
	cur := r.Current()
	assert.Equal(t, Connected, cur.State)
	assert.Equal(t, Indicator{Fill: "green", Shape: "dot", Text: "OK"}, cur.Indicator)
}

func TestErrorShapeFollowsPath(t *testing.T) {
	recv := NewReporter("in", ReceivePath)
	recv.Fail(OpReceive, errors.New("boom"))
	assert.Equal(t, Indicator{Fill: "red", Shape: "ring", Text: "error, see debug or outputs"}, recv.Current().Indicator)
	assert.Equal(t, "boom", recv.Current().Error)

	send := NewReporter("out", SendPath)
	send.Fail(OpSend, errors.New("boom"))
	assert.Equal(t, Indicator{Fill: "red", Shape: "dot", Text: "error, see debug or outputs"}, send.Current().Indicator)
}

func TestErrorIsStickyUntilSameOpSucceeds(t *testing.T) {
	rec := &recorder{}
	r := NewReporter("out", SendPath, rec)

	r.Connected(OpBind)
	r.Fail(OpSend, errors.New("refused"))
	r.Connected(OpBind)
	assert.Equal(t, Error, r.Current().State, "bind success must not clear a send error")

	r.Sent()
	assert.Equal(t, Connected, r.Current().State)
	assert.Equal(t, []State{Connected, Error, Connected}, rec.states())
}

func TestReceiveErrorClearedByNextDelivery(t *testing.T) {
	r := NewReporter("in", ReceivePath)
	r.Connected(OpReceive)
	r.Fail(OpReceive, errors.New("decode"))
	r.Active()
	assert.Equal(t, Active, r.Current().State)
	assert.Empty(t, r.Current().Error)
}

func TestDisconnectedAlwaysApplies(t *testing.T) {
	r := NewReporter("in", ReceivePath)
	r.Fail(OpBind, errors.New("rejected"))
	r.Disconnected("closed")
	cur := r.Current()
	assert.Equal(t, Disconnected, cur.State)
	assert.Equal(t, "closed", cur.Detail)
	assert.Equal(t, "disconnected", cur.Indicator.Text)
}

func TestSubscribeReceivesCurrentSnapshot(t *testing.T) {
	r := NewReporter("in", ReceivePath)
	r.Connected(OpBind)

	rec := &recorder{}
	r.Subscribe(rec)
	r.Subscribe(nil)
	require.Len(t, rec.snapshots, 1)
	assert.Equal(t, Connected, rec.snapshots[0].State)

	r.Active()
	assert.Len(t, rec.snapshots, 2)
}

func TestObserverFunc(t *testing.T) {
	var got []State
	r := NewReporter("in", ReceivePath, ObserverFunc(func(s Snapshot) { got = append(got, s.State) }))
	r.Connected(OpBind)
	assert.Equal(t, []State{Connected}, got)
}

func TestStateStringAndText(t *testing.T) {
	for state, want := range map[State]string{
		Disconnected: "disconnected",
		Connected:    "connected",
		Active:       "active",
		Error:        "error",
	} {
		assert.Equal(t, want, state.String())
		text, err := state.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
	assert.Equal(t, "bind", OpBind.String())
	assert.Equal(t, "lifecycle", OpLifecycle.String())
}
