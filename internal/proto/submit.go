package proto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dl/amictl/internal/gcq"
	"github.com/dl/amictl/internal/ring"
)

var (
	// ErrTimeout means a request did not complete within the caller's
	// window. The outstanding entry is abandoned; a late completion is
	// counted and discarded.
	ErrTimeout = errors.New("proto: request timed out")

	// ErrSessionDown means the queue pair disappeared under us.
	ErrSessionDown = errors.New("proto: session torn down")
)

// Stats counts per-kind events on the submitter. Counters are observable
// via the CLI but never drive control flow.
type Stats struct {
	Submitted     atomic.Uint64
	Completed     atomic.Uint64
	Timeouts      atomic.Uint64
	LateDropped   atomic.Uint64
	UnknownDropped atomic.Uint64
}

// StatsSnapshot is a plain copy for reporting.
type StatsSnapshot struct {
	Submitted      uint64
	Completed      uint64
	Timeouts       uint64
	LateDropped    uint64
	UnknownDropped uint64
}

type waiter struct {
	ch        chan Response
	abandoned bool
}

// Submitter serializes requests onto the SQ and matches CQ completions back
// to callers by req_id. Higher layers that need to multiplex serialize
// here, never inside the ring engine: the ring stays strictly single
// producer, single consumer.
type Submitter struct {
	inst *gcq.Instance

	mu      sync.Mutex
	nextID  uint16
	waiters map[uint16]*waiter

	poll  time.Duration
	stats Stats
}

// NewSubmitter wraps a producer-mode instance.
func NewSubmitter(inst *gcq.Instance) *Submitter {
	return &Submitter{
		inst:    inst,
		waiters: make(map[uint16]*waiter),
		poll:    200 * time.Microsecond,
	}
}

// Stats returns a snapshot of the submitter counters.
func (s *Submitter) Stats() StatsSnapshot {
	return StatsSnapshot{
		Submitted:      s.stats.Submitted.Load(),
		Completed:      s.stats.Completed.Load(),
		Timeouts:       s.stats.Timeouts.Load(),
		LateDropped:    s.stats.LateDropped.Load(),
		UnknownDropped: s.stats.UnknownDropped.Load(),
	}
}

// SubmitAndWait posts req and blocks until the matching completion arrives,
// the timeout elapses, or ctx is cancelled. This is the only blocking call
// in the transport; the rings themselves never block.
//
// On timeout the outstanding entry is flagged abandoned rather than
// removed: the consumer still owns the slot and may complete late, and that
// late completion must be swallowed, not delivered to a new waiter.
func (s *Submitter) SubmitAndWait(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	w := &waiter{ch: make(chan Response, 1)}

	s.mu.Lock()
	s.nextID++
	req.ReqID = s.nextID
	s.waiters[req.ReqID] = w
	s.mu.Unlock()

	if err := s.post(ctx, &req); err != nil {
		s.mu.Lock()
		delete(s.waiters, req.ReqID)
		s.mu.Unlock()
		return Response{}, err
	}
	s.stats.Submitted.Add(1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
		s.abandon(req.ReqID)
		s.stats.Timeouts.Add(1)
		return Response{}, fmt.Errorf("%w: %s req %d after %v", ErrTimeout, req.Opcode, req.ReqID, timeout)
	case <-ctx.Done():
		s.abandon(req.ReqID)
		return Response{}, ctx.Err()
	}
}

func (s *Submitter) abandon(id uint16) {
	s.mu.Lock()
	if w, ok := s.waiters[id]; ok {
		w.abandoned = true
	}
	s.mu.Unlock()
}

// post reserves an SQ slot, copies the encoded record in, and commits.
// NoFreeSlot is transient: yield and retry until the ring drains or ctx
// gives up.
func (s *Submitter) post(ctx context.Context, req *Request) error {
	sq := s.inst.SQ()
	rec := req.Encode()
	for {
		addr, err := sq.ReserveProduce()
		if err == nil {
			sq.CopyToSlot(addr, rec)
			sq.CommitProduce()
			s.inst.Signal()
			return nil
		}
		if !errors.Is(err, ring.ErrNoFreeSlot) {
			return err
		}
		if !s.inst.Alive() {
			return ErrSessionDown
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// Pump drains the CQ until ctx is cancelled, delivering completions to
// their waiters. Run it in its own goroutine, one per instance; it is the
// single consumer task for this side of the transport.
func (s *Submitter) Pump(ctx context.Context) error {
	for {
		progressed, err := s.drainOne()
		if err != nil {
			return err
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// drainOne consumes at most one completion. Returns false when the CQ is
// empty.
func (s *Submitter) drainOne() (bool, error) {
	cq := s.inst.CQ()
	addr, err := cq.PeekConsume()
	if errors.Is(err, ring.ErrNoData) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	buf := make([]byte, ResponseSize)
	cq.CopyFromSlot(addr, buf)
	cq.CommitConsume()

	resp, err := DecodeResponse(buf)
	if err != nil {
		// A torn or garbage slot is counted, not fatal: the matching
		// waiter times out on its own.
		s.stats.UnknownDropped.Add(1)
		return true, nil
	}
	s.deliver(resp)
	return true, nil
}

// deliver routes a completion. Responses citing unknown ids are counted and
// dropped; abandoned entries swallow their late completion exactly once.
// A response is delivered to at most one waiter.
func (s *Submitter) deliver(resp Response) {
	s.mu.Lock()
	w, ok := s.waiters[resp.ReqID]
	if ok {
		delete(s.waiters, resp.ReqID)
	}
	s.mu.Unlock()

	switch {
	case !ok:
		s.stats.UnknownDropped.Add(1)
	case w.abandoned:
		s.stats.LateDropped.Add(1)
	default:
		s.stats.Completed.Add(1)
		w.ch <- resp
	}
}
