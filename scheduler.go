package wipi

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SchedulerAction is the fixed argument bundle a scheduler executes deferred
// tasks with. It is supplied once, at scheduler construction; tasks carry
// only the controller name and partial state.
type SchedulerAction func(controller string, state State) error

// Task is a deferred state change held by the scheduler. It carries at least
// one absolute execution time; repetitions extend the schedule from its
// tail, and an optional forever interval keeps the task alive after the
// explicit times are exhausted.
type Task struct {
	controller string
	state      State

	at              []time.Time
	foreverInterval time.Duration
	seq             uint64
}

// NewTask creates a task executing the state change on the named controller
// at the given times, in chronological order. With no times, the task runs
// as soon as possible.
func NewTask(controller string, state State, at ...time.Time) *Task {
	if len(at) == 0 {
		at = []time.Time{time.Now()}
	}
	return &Task{
		controller: controller,
		state:      state,
		at:         at,
	}
}

// Repeat appends times further executions, each interval after the previous
// last. Multiple calls compose, each extending from the tail:
//
//	task := NewTask("rb", s, now)
//	task.Repeat(2, 5*time.Second)
//	task.RepeatForever(30 * time.Second)
//
// executes at now, now+5s, now+10s and then every 30 s indefinitely.
func (t *Task) Repeat(times int, interval time.Duration) (*Task, error) {
	if times < 0 {
		return nil, Errorf(CodeSchedulerError, "invalid repeat count %d", times)
	}
	if interval <= 0 {
		return nil, Errorf(CodeSchedulerError, "invalid repeat interval %v", interval)
	}
	for range times {
		t.at = append(t.at, t.at[len(t.at)-1].Add(interval))
	}
	return t, nil
}

// RepeatForever makes the task re-schedule itself interval after each
// execution once the explicit schedule is exhausted.
func (t *Task) RepeatForever(interval time.Duration) (*Task, error) {
	if interval <= 0 {
		return nil, Errorf(CodeSchedulerError, "invalid repeat interval %v", interval)
	}
	t.foreverInterval = interval
	return t, nil
}

// Controller returns the name of the controller the task targets.
func (t *Task) Controller() string { return t.controller }

// State returns the partial state the task applies.
func (t *Task) State() State { return t.state }

// TaskInfo is a snapshot of one scheduled task, as reported by Tasks.
type TaskInfo struct {
	Controller string
	State      State
	At         []time.Time
}

func (t *Task) info() TaskInfo {
	at := make([]time.Time, len(t.at))
	copy(at, t.at)
	return TaskInfo{
		Controller: t.controller,
		State:      t.state.Clone(),
		At:         at,
	}
}

// taskHeap orders tasks by next execution time, FIFO on ties (execution
// times can collide, so the insertion sequence is the second key).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at[0].Equal(h[j].at[0]) {
		return h[i].seq < h[j].seq
	}
	return h[i].at[0].Before(h[j].at[0])
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// control messages for the scheduler worker
type schedMsg struct {
	task     *Task
	cancel   bool
	query    chan []TaskInfo
	shutdown bool
}

// Scheduler executes deferred actions in a single worker goroutine, off the
// request-handling path. Tasks may be scheduled, listed and cancelled at any
// time; the worker sleeps precisely until the next due time.
//
// A failing action does not crash the scheduler: the error is logged, the
// execution slot is consumed and re-scheduling proceeds as on success.
type Scheduler struct {
	action  SchedulerAction
	logger  *slog.Logger
	metrics *Metrics

	ctl          chan schedMsg
	done         chan struct{}
	started      atomic.Bool
	startOnce    sync.Once
	stopOnce     sync.Once
	replyTimeout time.Duration
}

// NewScheduler creates a scheduler executing tasks with the given action.
func NewScheduler(action SchedulerAction) *Scheduler {
	return &Scheduler{
		action:       action,
		ctl:          make(chan schedMsg),
		done:         make(chan struct{}),
		replyTimeout: defaultReplyTimeout,
	}
}

// WithLogger sets the logger. If not set, slog.Default() is used.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// WithMetrics attaches scheduler depth metrics.
func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Start launches the worker. Idempotent.
func (s *Scheduler) Start() *Scheduler {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.worker()
		s.log().Info("scheduler started")
	})
	return s
}

// Stop shuts the worker down and joins it. Pending tasks are dropped.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			close(s.done)
			return
		}
		select {
		case s.ctl <- schedMsg{shutdown: true}:
			<-s.done
		case <-s.done:
		}
		s.log().Info("scheduler stopped")
	})
}

// Schedule hands a task to the worker.
func (s *Scheduler) Schedule(t *Task) error {
	select {
	case s.ctl <- schedMsg{task: t}:
		return nil
	case <-s.done:
		return ErrUpstreamUnavailable
	}
}

// Cancel drops all pending tasks. An action already being executed runs to
// completion.
func (s *Scheduler) Cancel() error {
	select {
	case s.ctl <- schedMsg{cancel: true}:
		return nil
	case <-s.done:
		return ErrUpstreamUnavailable
	}
}

// Tasks returns a snapshot of the scheduled tasks, sorted by next execution
// time.
func (s *Scheduler) Tasks(ctx context.Context) ([]TaskInfo, error) {
	reply := make(chan []TaskInfo, 1)

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case s.ctl <- schedMsg{query: reply}:
	case <-s.done:
		return nil, ErrUpstreamUnavailable
	case <-ctx.Done():
		return nil, ErrUpstreamUnavailable
	case <-timer.C:
		return nil, ErrUpstreamUnavailable
	}

	select {
	case tasks := <-reply:
		return tasks, nil
	case <-s.done:
		return nil, ErrUpstreamUnavailable
	case <-ctx.Done():
		return nil, ErrUpstreamUnavailable
	case <-timer.C:
		return nil, ErrUpstreamUnavailable
	}
}

// worker owns the pending-task heap. It alternates between waiting for the
// next deadline and receiving control messages; with no pending task it
// waits on the control channel alone.
func (s *Scheduler) worker() {
	defer close(s.done)

	var pending taskHeap
	var seq uint64

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		var wake <-chan time.Time
		if len(pending) > 0 {
			d := time.Until(pending[0].at[0])
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			wake = timer.C
		}
		s.metrics.schedulerDepth(len(pending))

		select {
		case msg := <-s.ctl:
			if wake != nil && !timer.Stop() {
				<-timer.C
			}

			switch {
			case msg.shutdown:
				return

			case msg.cancel:
				pending = nil
				s.log().Info("scheduled tasks cancelled")

			case msg.query != nil:
				msg.query <- snapshot(pending)

			case msg.task != nil:
				msg.task.seq = seq
				seq++
				heap.Push(&pending, msg.task)
			}

		case <-wake:
			s.runDue(&pending)
		}
	}
}

// runDue executes every task whose head time has passed, re-scheduling
// repeating tasks.
func (s *Scheduler) runDue(pending *taskHeap) {
	for pending.Len() > 0 && !(*pending)[0].at[0].After(time.Now()) {
		t := heap.Pop(pending).(*Task)

		execTime := t.at[0]
		t.at = t.at[1:]

		if err := s.action(t.controller, t.state); err != nil {
			s.log().Error("deferred action failed",
				slog.String("controller", t.controller),
				slog.Time("at", execTime),
				slog.Any("error", err))
		}
		s.metrics.deferredExecuted(t.controller)

		switch {
		case len(t.at) > 0:
			heap.Push(pending, t)
		case t.foreverInterval > 0:
			t.at = append(t.at, execTime.Add(t.foreverInterval))
			heap.Push(pending, t)
		}
	}
}

func snapshot(pending taskHeap) []TaskInfo {
	infos := make([]TaskInfo, 0, len(pending))
	for _, t := range pending {
		infos = append(infos, t.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].At[0].Before(infos[j].At[0])
	})
	return infos
}

func (s *Scheduler) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}
