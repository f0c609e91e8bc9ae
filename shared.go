package wipi

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultReplyTimeout bounds every reply-channel read. A worker that does
// not answer within this window is reported as unavailable rather than
// blocking the API handler forever.
const defaultReplyTimeout = 30 * time.Second

// task is a unit of work submitted to a shared controller's worker.
type task interface {
	// execute runs the task against the wrapped controller. It is called
	// only by the worker goroutine. A returned error means the task had no
	// reply channel to deliver it on; the worker logs it.
	execute(ctrl Controller) error

	// kind names the task variant for logging and metrics.
	kind() string
}

// failer is implemented by tasks that can deliver an error to their caller
// when execution dies before producing a result.
type failer interface {
	fail(err error)
}

// result carries a unary task outcome back to the caller.
type result struct {
	state State
	err   error
}

type getStateTask struct {
	reply chan result
}

func (t getStateTask) kind() string { return "get_state" }

func (t getStateTask) execute(ctrl Controller) error {
	t.reply <- result{state: ctrl.GetState()}
	return nil
}

func (t getStateTask) fail(err error) {
	t.reply <- result{err: err}
}

type setStateTask struct {
	state State
	reply chan result
}

func (t setStateTask) kind() string { return "set_state" }

func (t setStateTask) execute(ctrl Controller) error {
	state, err := ctrl.SetState(t.state)
	t.reply <- result{state: state, err: asDeviceError(err)}
	return nil
}

func (t setStateTask) fail(err error) {
	t.reply <- result{err: err}
}

// muteSetStateTask is a fire-and-forget state change; deferred actions use
// it so the scheduler never waits on a reply.
type muteSetStateTask struct {
	state State
}

func (t muteSetStateTask) kind() string { return "mute_set_state" }

func (t muteSetStateTask) execute(ctrl Controller) error {
	_, err := ctrl.SetState(t.state)
	return asDeviceError(err)
}

type downstreamTask struct {
	ctx   context.Context
	query State
	reply chan Chunk
}

func (t downstreamTask) kind() string { return "downstream" }

// execute streams the controller's chunks to the caller's reply channel.
// Closing the channel is the end-of-stream sentinel. The caller cancels ctx
// when it stops pulling, which bounds how long the worker keeps producing.
func (t downstreamTask) execute(ctrl Controller) error {
	for chunk := range ctrl.Downstream(t.ctx, t.query) {
		select {
		case t.reply <- chunk:
		case <-t.ctx.Done():
			close(t.reply)
			return nil
		}
	}
	close(t.reply)
	return nil
}

func (t downstreamTask) fail(err error) {
	select {
	case t.reply <- Chunk{Err: err}:
	case <-t.ctx.Done():
	}
	close(t.reply)
}

type shutdownTask struct{}

func (t shutdownTask) kind() string { return "shutdown" }

func (t shutdownTask) execute(ctrl Controller) error { return nil }

func asDeviceError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return NewError(CodeDeviceError, err.Error())
}

// SharedController makes a non-thread-safe Controller safely usable by any
// number of concurrent request handlers. A single worker goroutine
// exclusively holds the wrapped controller; everyone else reaches it by
// submitting tasks on the shared request channel and waiting on a private
// reply channel.
//
// Tasks submitted from a single goroutine execute in submission order.
// Across goroutines no ordering is guaranteed.
type SharedController struct {
	ctrl    Controller
	logger  *slog.Logger
	metrics *Metrics

	tasks        chan task
	done         chan struct{}
	started      atomic.Bool
	startOnce    sync.Once
	stopOnce     sync.Once
	replyTimeout time.Duration
}

// taskQueueDepth is the request-channel buffer. Submitting blocks only when
// this many tasks are already queued behind a busy worker.
const taskQueueDepth = 16

// NewSharedController wraps a controller. Call Start before anything else.
func NewSharedController(ctrl Controller) *SharedController {
	return &SharedController{
		ctrl:         ctrl,
		tasks:        make(chan task, taskQueueDepth),
		done:         make(chan struct{}),
		replyTimeout: defaultReplyTimeout,
	}
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func (s *SharedController) WithLogger(logger *slog.Logger) *SharedController {
	s.logger = logger
	return s
}

// WithReplyTimeout sets the reply-read timeout. Exceeding it surfaces
// ErrUpstreamUnavailable to the caller.
func (s *SharedController) WithReplyTimeout(d time.Duration) *SharedController {
	s.replyTimeout = d
	return s
}

// WithMetrics attaches task metrics.
func (s *SharedController) WithMetrics(m *Metrics) *SharedController {
	s.metrics = m
	return s
}

// Name returns the wrapped controller's name.
func (s *SharedController) Name() string { return s.ctrl.Name() }

// Baseclass returns the wrapped controller's baseclass.
func (s *SharedController) Baseclass() string { return s.ctrl.Baseclass() }

// Start launches the worker. Idempotent.
func (s *SharedController) Start() *SharedController {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.worker()
		s.log().Info("controller started",
			slog.String("controller", s.Name()),
			slog.String("baseclass", s.Baseclass()))
	})
	return s
}

// Stop shuts the worker down and joins it. Safe to call multiple times,
// including concurrently with in-flight requests: callers racing with the
// shutdown see either their result or ErrUpstreamUnavailable.
func (s *SharedController) Stop() {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			close(s.done)
			return
		}
		select {
		case s.tasks <- shutdownTask{}:
			<-s.done
		case <-s.done:
		}
		s.log().Info("controller stopped",
			slog.String("controller", s.Name()),
			slog.String("baseclass", s.Baseclass()))
	})
}

// GetState submits a state read and blocks until the reply or timeout.
func (s *SharedController) GetState(ctx context.Context) (State, error) {
	reply := make(chan result, 1)
	if err := s.submit(ctx, getStateTask{reply: reply}); err != nil {
		return nil, err
	}
	return s.await(ctx, reply)
}

// SetState submits a state change and blocks until the reply or timeout.
func (s *SharedController) SetState(ctx context.Context, partial State) (State, error) {
	reply := make(chan result, 1)
	if err := s.submit(ctx, setStateTask{state: partial, reply: reply}); err != nil {
		return nil, err
	}
	return s.await(ctx, reply)
}

// MuteSetState submits a fire-and-forget state change and returns
// immediately. Used by the scheduler for deferred actions.
func (s *SharedController) MuteSetState(partial State) error {
	return s.submit(context.Background(), muteSetStateTask{state: partial})
}

// Downstream submits a streaming query and returns the lazy sequence of
// chunks the controller produces. The sequence ends when the controller's
// stream ends; abandoning the iteration (or canceling ctx) stops the
// producer within a bounded number of chunks.
func (s *SharedController) Downstream(ctx context.Context, query State) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		reply := make(chan Chunk)
		if err := s.submit(ctx, downstreamTask{ctx: ctx, query: query, reply: reply}); err != nil {
			yield(Chunk{Err: err})
			return
		}

		for {
			select {
			case chunk, ok := <-reply:
				if !ok {
					return
				}
				if !chunk.Heartbeat && chunk.Err == nil {
					s.metrics.streamChunk(s.Name())
				}
				if !yield(chunk) {
					return
				}
			case <-s.done:
				yield(Chunk{Err: ErrUpstreamUnavailable})
				return
			}
		}
	}
}

// submit queues a task for the worker. The request channel is shared by all
// callers; a channel send is serialising by itself, so no extra lock is
// needed around it.
func (s *SharedController) submit(ctx context.Context, t task) error {
	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case s.tasks <- t:
		s.metrics.taskSubmitted(s.Name(), t.kind())
		return nil
	case <-s.done:
		return ErrUpstreamUnavailable
	case <-ctx.Done():
		return ErrUpstreamUnavailable
	case <-timer.C:
		return ErrUpstreamUnavailable
	}
}

// await reads a unary reply with the configured timeout.
func (s *SharedController) await(ctx context.Context, reply chan result) (State, error) {
	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.state, res.err
	case <-s.done:
		// The worker may have answered just before exiting.
		select {
		case res := <-reply:
			return res.state, res.err
		default:
		}
		return nil, ErrUpstreamUnavailable
	case <-ctx.Done():
		return nil, ErrUpstreamUnavailable
	case <-timer.C:
		return nil, ErrUpstreamUnavailable
	}
}

// worker is the single owner of the wrapped controller.
func (s *SharedController) worker() {
	defer close(s.done)

	logger := s.log()
	logger.Info("worker starts",
		slog.String("controller", s.Name()),
		slog.String("baseclass", s.Baseclass()))

	for t := range s.tasks {
		if _, ok := t.(shutdownTask); ok {
			break
		}
		s.run(t)
	}

	logger.Info("worker terminates",
		slog.String("controller", s.Name()),
		slog.String("baseclass", s.Baseclass()))
}

// run executes one task, converting a controller panic into an error
// variant on the caller's reply channel. The worker survives.
func (s *SharedController) run(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			err := Errorf(CodeDeviceError, "controller failure: %v", rec)
			s.log().Error("controller task panicked",
				slog.String("controller", s.Name()),
				slog.String("task", t.kind()),
				slog.Any("panic", rec))
			if f, ok := t.(failer); ok {
				f.fail(err)
			}
		}
	}()

	if err := t.execute(s.ctrl); err != nil {
		s.log().Error("controller task failed",
			slog.String("controller", s.Name()),
			slog.String("task", t.kind()),
			slog.Any("error", err))
	}
}

func (s *SharedController) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
