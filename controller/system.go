package controller

import (
	"os/exec"

	wipi "github.com/vencik/wipi"
)

// System power states.
const (
	PowerOn           = "on"
	PowerOff          = "off"
	PowerReboot       = "reboot"
	powerShuttingDown = "shutting down"
	powerRebooting    = "rebooting"
)

// System controls the host machine itself.
type System struct {
	wipi.Base
	state  map[string]string
	runCmd func(name string, args ...string) error
}

// SystemOption configures a System controller.
type SystemOption func(*System)

// WithCommandRunner replaces the host command execution. Tests use this so
// they never actually power the machine off.
func WithCommandRunner(run func(name string, args ...string) error) SystemOption {
	return func(s *System) { s.runCmd = run }
}

// NewSystem creates the host system controller.
func NewSystem(name string, opts ...SystemOption) *System {
	s := &System{
		Base:  wipi.NewBase(name, wipi.Snake("System")),
		state: map[string]string{"power": PowerOn},
		runCmd: func(name string, args ...string) error {
			return exec.Command(name, args...).Start()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetState implements wipi.Controller.
func (s *System) GetState() wipi.State {
	state := make(wipi.State, len(s.state))
	for k, v := range s.state {
		state[k] = v
	}
	return state
}

// SetState changes the power state. Transitions are only possible from the
// running state; anything else is ignored.
func (s *System) SetState(partial wipi.State) (wipi.State, error) {
	if power, ok := partial["power"].(string); ok {
		if err := s.power(power); err != nil {
			return nil, err
		}
	}
	return s.GetState(), nil
}

func (s *System) power(target string) error {
	switch {
	case s.state["power"] == PowerOn && target == PowerOff:
		if err := s.runCmd("/usr/bin/sudo", "/sbin/shutdown", "-h", "now"); err != nil {
			return err
		}
		s.state["power"] = powerShuttingDown

	case s.state["power"] == PowerOn && target == PowerReboot:
		if err := s.runCmd("/usr/bin/sudo", "/sbin/shutdown", "-r", "now"); err != nil {
			return err
		}
		s.state["power"] = powerRebooting
	}
	return nil
}
