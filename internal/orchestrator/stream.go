package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/traylinx/webrelay/internal/engine"
)

// Stream is the finite, non-restartable chunk sequence of one submission.
type Stream struct {
	ID       string
	Provider string
	Model    string
	Started  time.Time

	// The relay writes to queue and forward hands chunks to the consumer on chunks.
	// room holds one token per undelivered delta, so queue always has a free slot for
	// the terminal chunk.
	queue  chan engine.NormalizedChunk
	room   chan struct{}
	chunks chan engine.NormalizedChunk

	cancel  context.CancelFunc
	abandon chan struct{}

	// done closes after the session has been released.
	done chan struct{}

	mu        sync.Mutex
	cancelled bool
	finished  bool
}

func newStream(req *engine.NormalizedRequest, buffer int, cancel context.CancelFunc) *Stream {
	return &Stream{
		ID:       req.CorrelationID,
		Provider: req.Provider,
		Model:    req.Model,
		Started:  time.Now(),
		queue:    make(chan engine.NormalizedChunk, buffer+1),
		room:     make(chan struct{}, buffer),
		chunks:   make(chan engine.NormalizedChunk),
		cancel:   cancel,
		abandon:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// forward delivers queued chunks in order and closes chunks after the terminal one.
// It gives up when the stream is abandoned.
func (s *Stream) forward() {
	defer close(s.chunks)
	for c := range s.queue {
		select {
		case s.chunks <- c:
		case <-s.abandon:
			return
		}
		if !c.Terminal() {
			<-s.room
		}
	}
}

// expire abandons undelivered chunks once nobody has read them for d.
func (s *Stream) expire(d time.Duration) {
	time.AfterFunc(d, func() { close(s.abandon) })
}

// Chunks delivers chunks in index order. It is closed right after the terminal chunk.
// The session is released as soon as the terminal chunk is queued, whether or not the
// consumer keeps up; chunks left unread are dropped after the request timeout.
func (s *Stream) Chunks() <-chan engine.NormalizedChunk { return s.chunks }

// Done is closed once the stream has finished and its session is back in the pool.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancelled reports whether Cancel was called while the stream was running.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Stream) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.cancelled = true
	s.cancel()
	return true
}

func (s *Stream) markFinished() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

// Result is an aggregated stream.
type Result struct {
	ID           string
	Text         string
	FinishReason engine.FinishReason
	Chunks       int
}

// Collect drains st into a Result. A terminal error chunk is returned as the error,
// together with the text delivered before it.
func Collect(ctx context.Context, st *Stream) (*Result, error) {
	res := &Result{ID: st.ID}
	var b strings.Builder
	for {
		select {
		case <-ctx.Done():
			res.Text = b.String()
			return res, ctx.Err()
		case c, ok := <-st.Chunks():
			if !ok {
				res.Text = b.String()
				return res, nil
			}
			res.Chunks++
			b.WriteString(c.Delta)
			if c.Terminal() {
				res.FinishReason = c.FinishReason
				if c.Err != nil {
					res.Text = b.String()
					return res, c.Err
				}
			}
		}
	}
}

// relay stamps indices and queues chunks on the stream. Exactly one terminal chunk is
// ever queued, after which the queue is closed.
type relay struct {
	st        *Stream
	ctx       context.Context
	next      int
	delivered int
	ended     bool
	final     engine.NormalizedChunk
}

// emit queues chunks until the first terminal one. It reports true once the stream has
// ended and fails if ctx ended while the consumer was not reading.
func (r *relay) emit(chunks []engine.NormalizedChunk) (bool, error) {
	for _, c := range chunks {
		if r.ended {
			return true, nil
		}
		if c.Delta != "" {
			if err := r.send(c.Delta); err != nil {
				return false, err
			}
		}
		if c.Terminal() {
			r.end(c)
			return true, nil
		}
	}
	return r.ended, nil
}

// send waits for room, so a slow consumer slows the provider read down.
func (r *relay) send(delta string) error {
	select {
	case r.st.room <- struct{}{}:
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
	r.st.queue <- engine.NormalizedChunk{CorrelationID: r.st.ID, Index: r.next, Delta: delta}
	r.next++
	r.delivered++
	return nil
}

// end queues the terminal chunk and closes the queue. It never blocks: room caps the
// queued deltas one below the queue capacity.
func (r *relay) end(c engine.NormalizedChunk) {
	if r.ended {
		return
	}
	r.ended = true
	c.CorrelationID = r.st.ID
	c.Index = r.next
	c.Delta = ""
	r.final = c
	r.st.queue <- c
	r.next++
	close(r.st.queue)
}

func (r *relay) fail(err error) {
	e := engine.AsError(err)
	if e.Kind == engine.KindCancelled {
		r.end(engine.NormalizedChunk{FinishReason: engine.FinishCancelled})
		return
	}
	r.end(engine.NormalizedChunk{FinishReason: engine.FinishError, Err: e})
}
