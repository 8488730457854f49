// ABOUTME: Stand-in dispatcher that echoes input back as streamed chunks.
// ABOUTME: Lets the gateway run end-to-end without a real agent runtime.

package dispatch

import (
	"context"
	"time"
)

// Echo is a development dispatcher. It streams the request text back as a
// single chunk after a short delay, the way a real runtime streams deltas.
type Echo struct {
	// Delay before the reply chunk. Zero means no delay.
	Delay time.Duration
}

// Dispatch implements Dispatcher.
func (e *Echo) Dispatch(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	ch := make(chan *Chunk, 2)
	go func() {
		defer close(ch)
		if e.Delay > 0 {
			select {
			case <-time.After(e.Delay):
			case <-ctx.Done():
				ch <- &Chunk{Kind: ChunkError, Err: ctx.Err().Error()}
				return
			}
		}
		ch <- &Chunk{Kind: ChunkText, Text: "echo: " + req.Text}
		ch <- &Chunk{Kind: ChunkDone}
	}()
	return ch, nil
}
