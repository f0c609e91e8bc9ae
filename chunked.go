package wipi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WriteChunkedList writes a chunk sequence as a single JSON array over a
// chunked-encoded response, flushing after every element so chunks reach
// the client as they are produced.
//
// Heartbeat chunks are written as a single space of syntactically
// insignificant JSON whitespace that keeps the connection alive. An error
// chunk ends the array. An empty sequence yields exactly "[]".
func WriteChunkedList(w http.ResponseWriter, r *http.Request, chunks iter.Seq[Chunk],
	writeTimeout time.Duration, logger *slog.Logger) {

	if logger == nil {
		logger = slog.Default()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	var rc *http.ResponseController
	if writeTimeout > 0 {
		rc = http.NewResponseController(w)
	}

	write := func(payload string) bool {
		if rc != nil {
			if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logger.Warn("write deadline not supported", slog.Any("error", err))
				rc = nil
			}
		}
		if _, err := io.WriteString(w, payload); err != nil {
			if isClientDisconnect(err) {
				logger.Debug("client disconnected during stream write")
			} else {
				logger.Error("failed to write stream chunk", slog.Any("error", err))
			}
			return false
		}
		if rc != nil {
			rc.SetWriteDeadline(time.Time{})
		}
		flush()
		return true
	}

	separator := "["
	for chunk := range chunks {
		if r.Context().Err() != nil {
			return
		}

		switch {
		case chunk.Heartbeat:
			if !write(" ") {
				return
			}
			continue

		case chunk.Err != nil:
			logger.Error("downstream producer failed", slog.Any("error", chunk.Err))
			// Nothing sensible to tell the client mid-array; end the stream.
			if separator != "[" {
				write("]")
			} else {
				write("[]")
			}
			return
		}

		data, err := json.Marshal(chunk.Data)
		if err != nil {
			logger.Error("failed to marshal stream chunk", slog.Any("error", err))
			continue
		}
		if !write(separator + string(data)) {
			return
		}
		separator = ", "
	}

	if separator == "[" {
		write("[]")
	} else {
		write("]")
	}
}

// isClientDisconnect checks if an error indicates the client has gone away.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return errors.Is(err, context.Canceled) ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "client disconnected")
}
