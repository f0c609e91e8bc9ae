package wipi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDefaultErrorTransformer(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if DefaultErrorTransformer(nil) != nil {
			t.Error("expected nil for nil error")
		}
	})

	t.Run("api error passthrough", func(t *testing.T) {
		in := NewError(CodeDeviceError, "relay stuck")
		if got := DefaultErrorTransformer(in); got != in {
			t.Errorf("expected passthrough, got %v", got)
		}
	})

	t.Run("wrapped api error", func(t *testing.T) {
		in := fmt.Errorf("handling request: %w", ErrUnknownController)
		if got := DefaultErrorTransformer(in); got.Code != CodeUnknownController {
			t.Errorf("expected unknown_controller, got %v", got.Code)
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		if got := DefaultErrorTransformer(context.DeadlineExceeded); got.Code != CodeUpstreamUnavailable {
			t.Errorf("expected upstream_unavailable, got %v", got.Code)
		}
	})

	t.Run("validation error", func(t *testing.T) {
		err := validate.Struct(struct {
			Name string `validate:"required"`
		}{})
		got := DefaultErrorTransformer(err)
		if got.Code != CodeBadRequest {
			t.Errorf("expected bad_request, got %v", got.Code)
		}
		if !strings.Contains(got.Message, "Name") {
			t.Errorf("expected failing field in message, got %q", got.Message)
		}
	})

	t.Run("unknown error", func(t *testing.T) {
		if got := DefaultErrorTransformer(errors.New("boom")); got.Code != CodeInternal {
			t.Errorf("expected internal, got %v", got.Code)
		}
	})
}

func TestHTTPStatusFromCode(t *testing.T) {
	cases := map[ErrorCode]int{
		CodeUnknownController:   http.StatusNotFound,
		CodeBadRequest:          http.StatusBadRequest,
		CodeSchedulerError:      http.StatusBadRequest,
		CodeDeviceError:         http.StatusBadGateway,
		CodeUpstreamUnavailable: http.StatusServiceUnavailable,
		CodeInternal:            http.StatusInternalServerError,
		ErrorCode("bogus"):      http.StatusInternalServerError,
	}

	for code, want := range cases {
		if got := HTTPStatusFromCode(code); got != want {
			t.Errorf("HTTPStatusFromCode(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, ErrUnknownController, nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	want := `{"error":"No such controller or not enabled"}` + "\n"
	if w.Body.String() != want {
		t.Errorf("expected %q, got %q", want, w.Body.String())
	}
}
