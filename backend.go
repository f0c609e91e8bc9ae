package wipi

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/vencik/wipi/internal/timefmt"
)

// ControllerState names one controller and a (partial or full) state.
type ControllerState struct {
	Name  string `json:"name" validate:"required"`
	State State  `json:"state"`
}

// FleetState is the wire form addressing several controllers at once.
type FleetState struct {
	Controllers []ControllerState `json:"controllers" validate:"required,min=1,dive"`
}

// ControllerQuery names one controller and its downstream query.
type ControllerQuery struct {
	Name  string `json:"name" validate:"required"`
	Query State  `json:"query"`
}

// FleetQuery is the wire form for aggregate downstream requests.
type FleetQuery struct {
	Controllers []ControllerQuery `json:"controllers" validate:"required,min=1,dive"`
}

// RepeatSpec is one repetition entry of a deferred request. An absent times
// means "forever"; interval is in seconds.
type RepeatSpec struct {
	Times    *int    `json:"times" validate:"omitempty,min=0"`
	Interval float64 `json:"interval" validate:"required,gt=0"`
}

// TimeSpec is the wire form of deferred execution times: a single
// "YYYY/MM/DD HH:MM:SS" string or a list of them.
type TimeSpec []string

// UnmarshalJSON accepts both the scalar and the list form.
func (ts *TimeSpec) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*ts = TimeSpec{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*ts = TimeSpec(many)
		return nil
	}
	return fmt.Errorf("invalid date-time specification: %s", data)
}

// DeferredRequest is the per-controller deferred state change wire form.
// An absent at means "as soon as possible".
type DeferredRequest struct {
	State  State        `json:"state"`
	At     TimeSpec     `json:"at"`
	Repeat []RepeatSpec `json:"repeat" validate:"omitempty,dive"`
}

// DeferredFleetRequest is the whole-fleet deferred wire form. It is
// flattened into one scheduler task per named controller.
type DeferredFleetRequest struct {
	Controllers []ControllerState `json:"controllers" validate:"required,min=1,dive"`
	At          TimeSpec          `json:"at"`
	Repeat      []RepeatSpec      `json:"repeat" validate:"omitempty,dive"`
}

// DeferredTask is one entry of the list_deferred response.
type DeferredTask struct {
	Controller string   `json:"controller"`
	State      State    `json:"state"`
	At         []string `json:"at"`
}

// Backend is the API backend: it owns the started shared controllers and
// the deferred-action scheduler, and composes downstream streams.
type Backend struct {
	registry        *Registry
	logger          *slog.Logger
	metrics         *Metrics
	chunkingTimeout time.Duration
	replyTimeout    time.Duration

	controllers map[string]*SharedController
	order       []string
	scheduler   *Scheduler

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewBackend creates a backend over the given controller registry. Call
// Start before serving requests.
func NewBackend(registry *Registry) *Backend {
	return &Backend{
		registry:        registry,
		chunkingTimeout: defaultChunkingTimeout,
		replyTimeout:    defaultReplyTimeout,
		controllers:     make(map[string]*SharedController),
	}
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func (b *Backend) WithLogger(logger *slog.Logger) *Backend {
	b.logger = logger
	return b
}

// WithMetrics attaches metrics to the backend and everything it starts.
func (b *Backend) WithMetrics(m *Metrics) *Backend {
	b.metrics = m
	return b
}

// WithChunkingTimeout sets the aggregate-stream idle time after which
// heartbeat filler is emitted.
func (b *Backend) WithChunkingTimeout(d time.Duration) *Backend {
	b.chunkingTimeout = d
	return b
}

// WithReplyTimeout sets the controller reply timeout.
func (b *Backend) WithReplyTimeout(d time.Duration) *Backend {
	b.replyTimeout = d
	return b
}

// Start wraps every registered controller in a shared worker and launches
// the scheduler. Idempotent.
func (b *Backend) Start() *Backend {
	b.startOnce.Do(func() {
		for _, name := range b.registry.Names() {
			ctrl, _ := b.registry.Get(name)
			shared := NewSharedController(ctrl).
				WithLogger(b.logger).
				WithMetrics(b.metrics).
				WithReplyTimeout(b.replyTimeout).
				Start()
			b.controllers[name] = shared
			b.order = append(b.order, name)
		}

		b.scheduler = NewScheduler(b.deferredAction).
			WithLogger(b.logger).
			WithMetrics(b.metrics).
			Start()

		b.log().Info("backend started", slog.Int("controllers", len(b.order)))
	})
	return b
}

// Shutdown stops the scheduler first, then the controllers in reverse
// creation order. Safe to call multiple times.
func (b *Backend) Shutdown() {
	b.stopOnce.Do(func() {
		if b.scheduler != nil {
			b.scheduler.Stop()
		}
		for i := len(b.order) - 1; i >= 0; i-- {
			b.controllers[b.order[i]].Stop()
		}
		b.log().Info("backend shut down")
	})
}

// Controllers returns the enabled controllers' names and their baseclasses.
func (b *Backend) Controllers() map[string]string {
	listing := make(map[string]string, len(b.order))
	for _, name := range b.order {
		listing[name] = b.controllers[name].Baseclass()
	}
	return listing
}

func (b *Backend) controller(name string) (*SharedController, error) {
	ctrl, ok := b.controllers[name]
	if !ok {
		return nil, ErrUnknownController
	}
	return ctrl, nil
}

// GetState returns the named controller's current state.
func (b *Backend) GetState(ctx context.Context, cname string) (State, error) {
	ctrl, err := b.controller(cname)
	if err != nil {
		return nil, err
	}
	return ctrl.GetState(ctx)
}

// GetStates returns the state of every controller.
func (b *Backend) GetStates(ctx context.Context) (State, error) {
	states := make([]any, 0, len(b.order))
	for _, name := range b.order {
		state, err := b.controllers[name].GetState(ctx)
		if err != nil {
			return nil, err
		}
		states = append(states, State{"name": name, "state": state})
	}
	return State{"controllers": states}, nil
}

// SetState applies a partial state to the named controller and returns its
// new full state.
func (b *Backend) SetState(ctx context.Context, cname string, partial State) (State, error) {
	ctrl, err := b.controller(cname)
	if err != nil {
		return nil, err
	}
	return ctrl.SetState(ctx, partial)
}

// SetStates applies the fleet state change and returns the state of every
// controller. Unknown names are skipped with a warning.
func (b *Backend) SetStates(ctx context.Context, fleet FleetState) (State, error) {
	for _, cs := range fleet.Controllers {
		ctrl, err := b.controller(cs.Name)
		if err != nil {
			b.log().Warn("fleet set_state skips unknown controller",
				slog.String("controller", cs.Name))
			continue
		}
		if _, err := ctrl.SetState(ctx, cs.State); err != nil {
			return nil, err
		}
	}
	return b.GetStates(ctx)
}

// MuteSetState applies a partial state discarding the result. Used by
// deferred actions.
func (b *Backend) MuteSetState(cname string, partial State) error {
	ctrl, err := b.controller(cname)
	if err != nil {
		return err
	}
	return ctrl.MuteSetState(partial)
}

// deferredAction is the scheduler's fixed argument bundle.
func (b *Backend) deferredAction(cname string, state State) error {
	return b.MuteSetState(cname, state)
}

// SetStateDeferred schedules a state change on the named controller.
func (b *Backend) SetStateDeferred(cname string, req DeferredRequest) error {
	return b.schedule(cname, req.State, req.At, req.Repeat)
}

// SetStatesDeferred schedules the fleet form: one task per controller, each
// performing a per-controller mute set.
func (b *Backend) SetStatesDeferred(req DeferredFleetRequest) error {
	for _, cs := range req.Controllers {
		if err := b.schedule(cs.Name, cs.State, req.At, req.Repeat); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) schedule(cname string, state State, atSpec TimeSpec, repeats []RepeatSpec) error {
	at := make([]time.Time, 0, len(atSpec))
	for _, spec := range atSpec {
		t, err := timefmt.Parse(spec)
		if err != nil {
			return NewError(CodeBadRequest, err.Error())
		}
		at = append(at, t)
	}

	task := NewTask(cname, state, at...)
	for _, repeat := range repeats {
		interval := time.Duration(repeat.Interval * float64(time.Second))
		var err error
		if repeat.Times == nil {
			_, err = task.RepeatForever(interval)
		} else {
			_, err = task.Repeat(*repeat.Times, interval)
		}
		if err != nil {
			return err
		}
	}

	return b.scheduler.Schedule(task)
}

// ListDeferred returns the scheduled deferred actions, optionally filtered
// by controller name.
func (b *Backend) ListDeferred(ctx context.Context, cname string) ([]DeferredTask, error) {
	infos, err := b.scheduler.Tasks(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]DeferredTask, 0, len(infos))
	for _, info := range infos {
		if cname != "" && cname != info.Controller {
			continue
		}
		at := make([]string, len(info.At))
		for i, t := range info.At {
			at[i] = timefmt.Format(t)
		}
		tasks = append(tasks, DeferredTask{
			Controller: info.Controller,
			State:      info.State,
			At:         at,
		})
	}
	return tasks, nil
}

// CancelDeferred drops all scheduled deferred actions.
func (b *Backend) CancelDeferred() error {
	return b.scheduler.Cancel()
}

// Downstream streams data chunks from the named controller.
func (b *Backend) Downstream(ctx context.Context, cname string, query State) (iter.Seq[Chunk], error) {
	ctrl, err := b.controller(cname)
	if err != nil {
		return nil, err
	}
	return ctrl.Downstream(ctx, query), nil
}

// DownstreamFleet streams interleaved, name-tagged chunks from several
// controllers at once, with heartbeat filler when the aggregate idles.
// Unknown names are skipped.
func (b *Backend) DownstreamFleet(ctx context.Context, fleet FleetQuery) iter.Seq[Chunk] {
	sources := make([]Source, 0, len(fleet.Controllers))
	for _, cq := range fleet.Controllers {
		ctrl, err := b.controller(cq.Name)
		if err != nil {
			b.log().Warn("fleet downstream skips unknown controller",
				slog.String("controller", cq.Name))
			continue
		}
		sources = append(sources, Source{
			Name:   cq.Name,
			Chunks: ctrl.Downstream(ctx, cq.Query),
		})
	}
	return Multiplex(ctx, sources, b.chunkingTimeout)
}

func (b *Backend) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}
