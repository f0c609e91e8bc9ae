package controller

import (
	"errors"
	"reflect"
	"testing"

	wipi "github.com/vencik/wipi"
)

// recordingPins captures I/O line writes.
type recordingPins struct {
	levels map[int]bool
	err    error
}

func (p *recordingPins) SetPin(channel int, closed bool) error {
	if p.err != nil {
		return p.err
	}
	if p.levels == nil {
		p.levels = make(map[int]bool)
	}
	p.levels[channel] = closed
	return nil
}

func TestRelayBoard_InitialState(t *testing.T) {
	pins := &recordingPins{}
	rb, err := NewRelayBoard("rb", WithPins(pins))
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}

	if rb.Baseclass() != "relay_board" {
		t.Errorf("expected baseclass relay_board, got %q", rb.Baseclass())
	}

	want := wipi.State{"relay1": "open", "relay2": "open", "relay3": "open"}
	if !reflect.DeepEqual(rb.GetState(), want) {
		t.Errorf("initial state %v, want %v", rb.GetState(), want)
	}

	// Every line driven to the initial level
	for _, channel := range []int{26, 20, 21} {
		if closed, ok := pins.levels[channel]; !ok || closed {
			t.Errorf("channel %d not initialised open", channel)
		}
	}
}

func TestRelayBoard_InitialClosed(t *testing.T) {
	rb, err := NewRelayBoard("rb", WithInitialState(RelayClosed))
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}
	if rb.GetState()["relay1"] != "closed" {
		t.Errorf("expected closed initial state, got %v", rb.GetState())
	}
}

func TestRelayBoard_InvalidInitial(t *testing.T) {
	if _, err := NewRelayBoard("rb", WithInitialState("ajar")); err == nil {
		t.Error("expected invalid initial state error")
	}
}

func TestRelayBoard_SetState(t *testing.T) {
	pins := &recordingPins{}
	rb, err := NewRelayBoard("rb", WithPins(pins))
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}

	state, err := rb.SetState(wipi.State{"relay1": "closed"})
	if err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	want := wipi.State{"relay1": "closed", "relay2": "open", "relay3": "open"}
	if !reflect.DeepEqual(state, want) {
		t.Errorf("state %v, want %v", state, want)
	}
	if !pins.levels[26] {
		t.Error("relay1 line not driven closed")
	}
	if pins.levels[20] || pins.levels[21] {
		t.Error("untouched relays were driven")
	}
}

func TestRelayBoard_IgnoresUnknown(t *testing.T) {
	rb, err := NewRelayBoard("rb")
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}

	state, err := rb.SetState(wipi.State{
		"relay9": "closed", // non-existing relay
		"relay1": "ajar",   // unknown state
		"relay2": 42,       // not even a string
	})
	if err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	want := wipi.State{"relay1": "open", "relay2": "open", "relay3": "open"}
	if !reflect.DeepEqual(state, want) {
		t.Errorf("state changed by invalid request: %v", state)
	}
}

func TestRelayBoard_EmptySetIsNoop(t *testing.T) {
	rb, err := NewRelayBoard("rb")
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}

	before := rb.GetState()
	after, err := rb.SetState(wipi.State{})
	if err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("empty set changed state: %v -> %v", before, after)
	}
}

func TestRelayBoard_PinError(t *testing.T) {
	pins := &recordingPins{}
	rb, err := NewRelayBoard("rb", WithPins(pins))
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}

	pins.err = errors.New("gpio busy")
	if _, err := rb.SetState(wipi.State{"relay1": "closed"}); err == nil {
		t.Error("expected pin write error to propagate")
	}
	// State unchanged on failure
	if rb.GetState()["relay1"] != "open" {
		t.Errorf("state changed despite failed write: %v", rb.GetState())
	}
}

func TestRelayBoard_StateSnapshot(t *testing.T) {
	rb, err := NewRelayBoard("rb")
	if err != nil {
		t.Fatalf("NewRelayBoard failed: %v", err)
	}

	snapshot := rb.GetState()
	snapshot["relay1"] = "mutated"
	if rb.GetState()["relay1"] != "open" {
		t.Error("GetState handed out live state")
	}
}
