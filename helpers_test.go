package wipi

import (
	"context"
	"iter"
	"sync"
	"time"
)

// fakeController is a scriptable controller for dispatcher and backend
// tests. Like real controllers it is not thread-safe for the worker's use;
// the mutex guards the fields tests inspect or flip while the worker runs.
type fakeController struct {
	Base

	mu       sync.Mutex
	state    State
	history  []State
	setErr   error
	setDelay time.Duration
	panicMsg string

	chunks   []Chunk
	endless  bool
	chunkGap time.Duration
}

func newFakeController(name string) *fakeController {
	return &fakeController{
		Base:  NewBase(name, "fake"),
		state: State{},
	}
}

func (c *fakeController) GetState() State {
	c.mu.Lock()
	msg := c.panicMsg
	state := c.state.Clone()
	c.mu.Unlock()

	if msg != "" {
		panic(msg)
	}
	return state
}

// setPanic scripts (or clears) a panic on the next GetState. Synchronised
// so tests may flip it while the worker is running.
func (c *fakeController) setPanic(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panicMsg = msg
}

func (c *fakeController) SetState(partial State) (State, error) {
	if c.setDelay > 0 {
		time.Sleep(c.setDelay)
	}
	if c.setErr != nil {
		return nil, c.setErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, partial.Clone())
	c.state = c.state.Merge(partial)
	return c.state.Clone(), nil
}

func (c *fakeController) Downstream(ctx context.Context, query State) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		i := 0
		for {
			if ctx.Err() != nil {
				return
			}

			var chunk Chunk
			if c.endless {
				chunk = Chunk{Data: State{"n": i}}
			} else {
				if i >= len(c.chunks) {
					return
				}
				chunk = c.chunks[i]
			}
			i++

			if c.chunkGap > 0 {
				select {
				case <-time.After(c.chunkGap):
				case <-ctx.Done():
					return
				}
			}
			if !yield(chunk) {
				return
			}
		}
	}
}

func (c *fakeController) setStates() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]State, len(c.history))
	copy(out, c.history)
	return out
}

func (c *fakeController) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// collect drains a chunk sequence into a slice.
func collect(chunks iter.Seq[Chunk]) []Chunk {
	var out []Chunk
	for chunk := range chunks {
		out = append(out, chunk)
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
