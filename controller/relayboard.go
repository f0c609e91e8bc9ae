// Package controller provides the built-in device controllers: the relay
// expansion board, the host system itself and the MPU6050 motion sensor.
//
// Controllers are not safe for concurrent use; the API backend wraps each
// one in a shared worker that serialises all access.
package controller

import (
	"fmt"

	wipi "github.com/vencik/wipi"
)

// Relay I/O channel map (BCM numbering) of the RPi Relay Board.
// See https://www.waveshare.com/wiki/RPi_Relay_Board
var relayChannels = map[string]int{
	"relay1": 26,
	"relay2": 20,
	"relay3": 21,
}

// Relay states. A closed relay drives its I/O line low.
const (
	RelayOpen   = "open"
	RelayClosed = "closed"
)

// PinWriter drives the relay I/O lines. The real GPIO binding lives in the
// deployment; the default writer only tracks state in memory, which is what
// every host without the expansion board gets.
type PinWriter interface {
	SetPin(channel int, closed bool) error
}

type nopPins struct{}

func (nopPins) SetPin(channel int, closed bool) error { return nil }

// RelayBoard controls the RPi Relay Board (3 power relays expansion board).
type RelayBoard struct {
	wipi.Base
	pins    PinWriter
	state   map[string]string
	initial string
}

// RelayBoardOption configures a RelayBoard.
type RelayBoardOption func(*RelayBoard)

// WithInitialState sets the state all relays start in.
// Default is open.
func WithInitialState(state string) RelayBoardOption {
	return func(rb *RelayBoard) { rb.initial = state }
}

// WithPins sets the I/O line writer.
func WithPins(pins PinWriter) RelayBoardOption {
	return func(rb *RelayBoard) { rb.pins = pins }
}

// NewRelayBoard creates a relay board controller with all relays in the
// initial state.
func NewRelayBoard(name string, opts ...RelayBoardOption) (*RelayBoard, error) {
	rb := &RelayBoard{
		Base:    wipi.NewBase(name, wipi.Snake("RelayBoard")),
		pins:    nopPins{},
		state:   make(map[string]string, len(relayChannels)),
		initial: RelayOpen,
	}
	for _, opt := range opts {
		opt(rb)
	}

	if rb.initial != RelayOpen && rb.initial != RelayClosed {
		return nil, fmt.Errorf("invalid initial relay state %q", rb.initial)
	}
	for relay, channel := range relayChannels {
		if err := rb.pins.SetPin(channel, rb.initial == RelayClosed); err != nil {
			return nil, fmt.Errorf("relay %s: %w", relay, err)
		}
		rb.state[relay] = rb.initial
	}
	return rb, nil
}

// GetState implements wipi.Controller.
func (rb *RelayBoard) GetState() wipi.State {
	state := make(wipi.State, len(rb.state))
	for relay, rstate := range rb.state {
		state[relay] = rstate
	}
	return state
}

// SetState switches the named relays. Unknown relays and unknown states are
// ignored; relays already in the requested state are left alone.
func (rb *RelayBoard) SetState(partial wipi.State) (wipi.State, error) {
	for relay, v := range partial {
		channel, ok := relayChannels[relay]
		if !ok {
			continue // non-existing relay
		}

		rstate, ok := v.(string)
		if !ok || (rstate != RelayOpen && rstate != RelayClosed) {
			continue
		}
		if rstate == rb.state[relay] {
			continue // nothing to do
		}

		if err := rb.pins.SetPin(channel, rstate == RelayClosed); err != nil {
			return nil, fmt.Errorf("relay %s: %w", relay, err)
		}
		rb.state[relay] = rstate
	}

	return rb.GetState(), nil
}
