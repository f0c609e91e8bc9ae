package wipi

import (
	"context"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultChunkingTimeout is how long the aggregate stream may stay silent
// before a heartbeat chunk is emitted to keep the connection alive.
const defaultChunkingTimeout = 20 * time.Second

// Source is one named chunk producer fed into Multiplex.
type Source struct {
	Name   string
	Chunks iter.Seq[Chunk]
}

// Multiplex merges the sources into a single lazy sequence of envelope
// chunks, interleaved in production order. Each source runs in its own
// producer goroutine; within one source the output preserves its order,
// across sources the order is arrival order. When nothing arrives for
// idleTimeout the sequence yields a heartbeat chunk.
//
// The sequence ends when every source has ended. Abandoning the iteration
// (or canceling ctx) stops all producers; they are always awaited before
// the iteration returns, so none is leaked.
func Multiplex(ctx context.Context, sources []Source, idleTimeout time.Duration) iter.Seq[Chunk] {
	if idleTimeout <= 0 {
		idleTimeout = defaultChunkingTimeout
	}

	return func(yield func(Chunk) bool) {
		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		defer func() {
			cancel()
			_ = g.Wait()
		}()

		// One shared FIFO; an item with done set is a per-source done sentinel.
		type item struct {
			chunk Chunk
			done  bool
		}
		fifo := make(chan item)

		for _, src := range sources {
			g.Go(func() error {
				defer func() {
					select {
					case fifo <- item{done: true}:
					case <-gctx.Done():
					}
				}()

				for chunk := range src.Chunks {
					switch {
					case chunk.Heartbeat:
						// A source heartbeat becomes an aggregate one.
					case chunk.Err == nil:
						chunk = Chunk{Data: Envelope{Name: src.Name, Data: chunk.Data}}
					}
					select {
					case fifo <- item{chunk: chunk}:
					case <-gctx.Done():
						return nil
					}
				}
				return nil
			})
		}

		timer := time.NewTimer(idleTimeout)
		defer timer.Stop()

		alive := len(sources)
		for alive > 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleTimeout)

			select {
			case it := <-fifo:
				if it.done {
					alive--
					continue
				}
				if !yield(it.chunk) {
					return
				}
			case <-timer.C:
				if !yield(Chunk{Heartbeat: true}) {
					return
				}
			}
		}
	}
}
