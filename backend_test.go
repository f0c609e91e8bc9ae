package wipi

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/vencik/wipi/internal/timefmt"
)

// timeSpecIn renders a wire time spec d from now. The wire format has
// second resolution, so the effective delay may be up to a second shorter.
func timeSpecIn(d time.Duration) string {
	return timefmt.Format(time.Now().Add(d))
}

func newTestBackend(t *testing.T, ctrls ...*fakeController) *Backend {
	t.Helper()

	registry := NewRegistry()
	for _, ctrl := range ctrls {
		if err := registry.Add(ctrl); err != nil {
			t.Fatalf("registry.Add failed: %v", err)
		}
	}

	backend := NewBackend(registry).WithChunkingTimeout(50 * time.Millisecond).Start()
	t.Cleanup(backend.Shutdown)
	return backend
}

func TestBackend_Controllers(t *testing.T) {
	backend := newTestBackend(t, newFakeController("rb"), newFakeController("sys"))

	want := map[string]string{"rb": "fake", "sys": "fake"}
	if got := backend.Controllers(); !reflect.DeepEqual(got, want) {
		t.Errorf("Controllers() = %v, want %v", got, want)
	}
}

func TestBackend_GetStates(t *testing.T) {
	rb := newFakeController("rb")
	rb.state = State{"relay1": "open"}
	sys := newFakeController("sys")
	sys.state = State{"power": "on"}
	backend := newTestBackend(t, rb, sys)

	states, err := backend.GetStates(t.Context())
	if err != nil {
		t.Fatalf("GetStates failed: %v", err)
	}

	listing, ok := states["controllers"].([]any)
	if !ok || len(listing) != 2 {
		t.Fatalf("expected 2 controller entries, got %v", states)
	}
	first := listing[0].(State)
	if first["name"] != "rb" {
		t.Errorf("expected registration order, got %v", first)
	}
	if first["state"].(State)["relay1"] != "open" {
		t.Errorf("expected rb state, got %v", first)
	}
}

func TestBackend_GetState_Unknown(t *testing.T) {
	backend := newTestBackend(t, newFakeController("rb"))

	if _, err := backend.GetState(t.Context(), "nope"); !errors.Is(err, ErrUnknownController) {
		t.Errorf("expected ErrUnknownController, got %v", err)
	}
}

func TestBackend_SetStates(t *testing.T) {
	rb := newFakeController("rb")
	sys := newFakeController("sys")
	backend := newTestBackend(t, rb, sys)

	states, err := backend.SetStates(t.Context(), FleetState{Controllers: []ControllerState{
		{Name: "rb", State: State{"relay1": "closed"}},
		{Name: "ghost", State: State{"x": 1}}, // unknown names are skipped
		{Name: "sys", State: State{"power": "reboot"}},
	}})
	if err != nil {
		t.Fatalf("SetStates failed: %v", err)
	}

	if rb.currentState()["relay1"] != "closed" {
		t.Errorf("rb not updated: %v", rb.currentState())
	}
	if sys.currentState()["power"] != "reboot" {
		t.Errorf("sys not updated: %v", sys.currentState())
	}
	if _, ok := states["controllers"]; !ok {
		t.Errorf("expected full fleet state response, got %v", states)
	}
}

func TestBackend_SetStateDeferred(t *testing.T) {
	rb := newFakeController("rb")
	backend := newTestBackend(t, rb)

	// No at spec: as soon as possible
	err := backend.SetStateDeferred("rb", DeferredRequest{State: State{"relay1": "closed"}})
	if err != nil {
		t.Fatalf("SetStateDeferred failed: %v", err)
	}

	if !waitFor(2*time.Second, func() bool {
		return rb.currentState()["relay1"] == "closed"
	}) {
		t.Errorf("deferred action never applied: %v", rb.currentState())
	}
}

func TestBackend_SetStateDeferred_BadTimeSpec(t *testing.T) {
	backend := newTestBackend(t, newFakeController("rb"))

	err := backend.SetStateDeferred("rb", DeferredRequest{
		State: State{"relay1": "closed"},
		At:    TimeSpec{"tomorrow-ish"},
	})

	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeBadRequest {
		t.Errorf("expected bad_request, got %v", err)
	}
}

func TestBackend_ListDeferredAndCancel(t *testing.T) {
	rb := newFakeController("rb")
	sys := newFakeController("sys")
	backend := newTestBackend(t, rb, sys)

	at := TimeSpec{"2099/01/01 12:00:05"}
	if err := backend.SetStateDeferred("rb", DeferredRequest{State: State{"relay1": "closed"}, At: at}); err != nil {
		t.Fatalf("SetStateDeferred failed: %v", err)
	}
	if err := backend.SetStateDeferred("sys", DeferredRequest{State: State{"power": "off"}, At: at}); err != nil {
		t.Fatalf("SetStateDeferred failed: %v", err)
	}

	tasks, err := backend.ListDeferred(t.Context(), "")
	if err != nil {
		t.Fatalf("ListDeferred failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 deferred tasks, got %v", tasks)
	}
	if !reflect.DeepEqual(tasks[0].At, []string{"2099/01/01 12:00:05"}) {
		t.Errorf("expected wire-format times, got %v", tasks[0].At)
	}

	// Filtered form
	tasks, err = backend.ListDeferred(t.Context(), "sys")
	if err != nil {
		t.Fatalf("ListDeferred failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Controller != "sys" {
		t.Errorf("expected only sys tasks, got %v", tasks)
	}

	if err := backend.CancelDeferred(); err != nil {
		t.Fatalf("CancelDeferred failed: %v", err)
	}
	tasks, err = backend.ListDeferred(t.Context(), "")
	if err != nil {
		t.Fatalf("ListDeferred failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("expected empty schedule after cancel, got %v", tasks)
	}
}

func TestBackend_CancelPreventsExecution(t *testing.T) {
	rb := newFakeController("rb")
	backend := newTestBackend(t, rb)

	err := backend.SetStateDeferred("rb", DeferredRequest{
		State: State{"relay1": "closed"},
		At:    TimeSpec{timeSpecIn(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("SetStateDeferred failed: %v", err)
	}
	if err := backend.CancelDeferred(); err != nil {
		t.Fatalf("CancelDeferred failed: %v", err)
	}

	time.Sleep(2200 * time.Millisecond)
	if rb.currentState()["relay1"] == "closed" {
		t.Error("cancelled deferred action was executed")
	}
}

func TestBackend_SetStatesDeferred_FlattensPerController(t *testing.T) {
	rb := newFakeController("rb")
	sys := newFakeController("sys")
	backend := newTestBackend(t, rb, sys)

	err := backend.SetStatesDeferred(DeferredFleetRequest{
		Controllers: []ControllerState{
			{Name: "rb", State: State{"relay1": "closed"}},
			{Name: "sys", State: State{"power": "off"}},
		},
		At: TimeSpec{"2099/01/01 12:00:05"},
	})
	if err != nil {
		t.Fatalf("SetStatesDeferred failed: %v", err)
	}

	tasks, err := backend.ListDeferred(t.Context(), "")
	if err != nil {
		t.Fatalf("ListDeferred failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected one task per controller, got %v", tasks)
	}
}

func TestBackend_Downstream(t *testing.T) {
	sensor := newFakeController("sensor")
	sensor.chunks = []Chunk{
		{Data: State{"n": 0}},
		{Data: State{"n": 1}},
	}
	backend := newTestBackend(t, sensor)

	chunks, err := backend.Downstream(t.Context(), "sensor", State{})
	if err != nil {
		t.Fatalf("Downstream failed: %v", err)
	}

	collected := collect(chunks)
	if len(collected) != 2 {
		t.Fatalf("expected 2 chunks, got %v", collected)
	}
	// Single-controller streams carry raw chunk data, no name envelope
	if _, ok := collected[0].Data.(State); !ok {
		t.Errorf("expected raw state chunk, got %T", collected[0].Data)
	}

	if _, err := backend.Downstream(t.Context(), "nope", State{}); !errors.Is(err, ErrUnknownController) {
		t.Errorf("expected ErrUnknownController, got %v", err)
	}
}

func TestBackend_DownstreamFleet(t *testing.T) {
	a := newFakeController("a")
	a.chunks = []Chunk{{Data: State{"n": 0}}, {Data: State{"n": 1}}}
	b := newFakeController("b")
	b.chunks = []Chunk{{Data: State{"n": 0}}}
	backend := newTestBackend(t, a, b)

	chunks := backend.DownstreamFleet(t.Context(), FleetQuery{Controllers: []ControllerQuery{
		{Name: "a", Query: State{}},
		{Name: "ghost", Query: State{}}, // skipped
		{Name: "b", Query: State{}},
	}})

	counts := map[string]int{}
	for _, chunk := range collect(chunks) {
		if chunk.Heartbeat {
			continue
		}
		env := chunk.Data.(Envelope)
		counts[env.Name]++
	}
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Errorf("expected all tagged chunks from both sources, got %v", counts)
	}
}
