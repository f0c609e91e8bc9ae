package wipi

import (
	"iter"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedSource yields the given payloads, optionally pausing first, and
// records whether its iteration was torn down.
type scriptedSource struct {
	name     string
	payloads []int
	delay    time.Duration
	finished atomic.Bool
}

func (s *scriptedSource) seq() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		defer s.finished.Store(true)
		if s.delay > 0 {
			time.Sleep(s.delay)
		}
		for _, p := range s.payloads {
			if !yield(Chunk{Data: State{"n": p}}) {
				return
			}
		}
	}
}

func sourcesOf(scripted ...*scriptedSource) []Source {
	sources := make([]Source, len(scripted))
	for i, s := range scripted {
		sources[i] = Source{Name: s.name, Chunks: s.seq()}
	}
	return sources
}

func TestMultiplex_Completeness(t *testing.T) {
	a := &scriptedSource{name: "a", payloads: []int{0, 1, 2, 3, 4}}
	b := &scriptedSource{name: "b", payloads: []int{0, 1, 2}}

	var data []Envelope
	for chunk := range Multiplex(t.Context(), sourcesOf(a, b), time.Second) {
		if chunk.Heartbeat {
			continue
		}
		data = append(data, chunk.Data.(Envelope))
	}

	// The output is a permutation of the tagged union of both sources...
	if len(data) != 8 {
		t.Fatalf("expected 8 envelopes, got %d: %v", len(data), data)
	}

	// ...whose projection onto each source preserves its order
	next := map[string]int{"a": 0, "b": 0}
	for _, env := range data {
		n := env.Data.(State)["n"].(int)
		if n != next[env.Name] {
			t.Fatalf("source %s chunks out of order: got %d, want %d", env.Name, n, next[env.Name])
		}
		next[env.Name]++
	}
	if next["a"] != 5 || next["b"] != 3 {
		t.Errorf("missing chunks: %v", next)
	}
}

func TestMultiplex_Heartbeat(t *testing.T) {
	slow := &scriptedSource{name: "slow", payloads: []int{0}, delay: 150 * time.Millisecond}

	var sawHeartbeat, sawData bool
	for chunk := range Multiplex(t.Context(), sourcesOf(slow), 25*time.Millisecond) {
		if chunk.Heartbeat {
			sawHeartbeat = true
			continue
		}
		sawData = true
	}

	if !sawHeartbeat {
		t.Error("expected at least one heartbeat while the source idled")
	}
	if !sawData {
		t.Error("expected the data chunk after the idle period")
	}
}

func TestMultiplex_SourceHeartbeatPassesThrough(t *testing.T) {
	source := Source{
		Name: "hb",
		Chunks: func(yield func(Chunk) bool) {
			yield(Chunk{Heartbeat: true})
		},
	}

	chunks := collect(Multiplex(t.Context(), []Source{source}, time.Second))
	if len(chunks) != 1 || !chunks[0].Heartbeat {
		t.Errorf("expected a single heartbeat, got %v", chunks)
	}
}

func TestMultiplex_AbandonedConsumerStopsProducers(t *testing.T) {
	endless := &scriptedSource{name: "endless", payloads: make([]int, 1<<20)}

	got := 0
	for range Multiplex(t.Context(), sourcesOf(endless), time.Second) {
		got++
		if got == 3 {
			break
		}
	}

	if !waitFor(2*time.Second, endless.finished.Load) {
		t.Error("producer not torn down after the consumer stopped pulling")
	}
}

func TestMultiplex_NoSources(t *testing.T) {
	done := make(chan []Chunk, 1)
	go func() {
		done <- collect(Multiplex(t.Context(), nil, time.Second))
	}()

	select {
	case chunks := <-done:
		if len(chunks) != 0 {
			t.Errorf("expected empty output, got %v", chunks)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("multiplexer did not terminate with no sources")
	}
}
