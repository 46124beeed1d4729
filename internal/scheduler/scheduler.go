// Package scheduler implements the flow-control scheduler (spec §4.D), the
// protocol core: the single goroutine that owns the pending command queue,
// the in-flight Block queue, and the buffered-byte count against
// RX_CAPACITY, so that accounting is never split across two threads behind
// a mutex (spec Design Notes, explicit rejection of that design).
//
// Grounded on the teacher's services/hal/internal/worker package (a single
// goroutine owning mutable state and draining a command channel) and on
// services/hal/internal/gpioirq's priority-queue-over-channel pattern,
// adapted here so realtime commands always jump the line ahead of queued
// Blocks.
package scheduler

import (
	"container/list"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"cnc-ctrl/internal/iopump"
	"cnc-ctrl/internal/protoerr"
	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/pushbus"
	"cnc-ctrl/internal/runstate"
)

// Reply is what a submitter receives on the channel Submit returns: either
// the controller's Response to a Block (Err nil), or an error that ends the
// command's life without a Response ever arriving (transport failure,
// transport closed, or — for a Realtime byte — a write failure, since
// realtime commands are never acknowledged on success).
type Reply struct {
	Msg protocol.Message
	Err error
}

type submission struct {
	cmd   protocol.Command
	reply chan Reply
}

type inflightEntry struct {
	wireLen int
	reply   chan Reply
}

// Stats is a point-in-time snapshot for introspection (recovered feature,
// SPEC_FULL.md §4.D): nothing outside the scheduler goroutine ever touches
// pending/inflight/buffered directly, so this is served from a set of
// atomics the run loop updates on every mutation rather than by reaching
// into the loop's private queues.
type Stats struct {
	Pending  int
	Inflight int
	Buffered int
}

// Scheduler is the sole writer to the controller. Construct with New,
// which starts the run loop; submit commands with Submit.
type Scheduler struct {
	pump     *iopump.Pump
	capacity int
	push     *pushbus.Bus
	flag     *runstate.Flag
	log      *logrus.Entry

	submissions chan submission
	closed      chan struct{}

	pendingStat  atomic.Int64
	inflightStat atomic.Int64
	bufferedStat atomic.Int64
}

// New starts the scheduler's run loop against pump, accounting against
// capacity bytes of controller receive buffer, publishing every Push it
// observes to push. flag is the shared shutdown signal; the run loop exits
// once flag.Done() fires and no further progress is possible.
func New(pump *iopump.Pump, capacity int, push *pushbus.Bus, flag *runstate.Flag, log *logrus.Entry) *Scheduler {
	s := &Scheduler{
		pump:        pump,
		capacity:    capacity,
		push:        push,
		flag:        flag,
		log:         log,
		submissions: make(chan submission),
		closed:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Stats returns a snapshot of the current queue depths and buffer usage.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending:  int(s.pendingStat.Load()),
		Inflight: int(s.inflightStat.Load()),
		Buffered: int(s.bufferedStat.Load()),
	}
}

// Submit hands cmd to the scheduler and returns a channel that receives
// exactly one Reply. For a Block, the Reply carries the matching Response
// once the controller acknowledges it, in order. For a Realtime command,
// the Reply channel is closed immediately after the byte is written (no
// Response is ever expected), unless the write itself fails, in which case
// one Reply carrying the error is sent first.
//
// Submit rejects an oversized Block before it ever reaches the run loop,
// since that check depends only on capacity, not on runtime buffer state.
func (s *Scheduler) Submit(cmd protocol.Command) (<-chan Reply, error) {
	if !cmd.IsRealtime {
		wireLen := cmd.WireLen()
		if wireLen > s.capacity-1 {
			return nil, &protoerr.OversizedBlock{Line: cmd.Line, WireLen: wireLen, Capacity: s.capacity}
		}
	}

	reply := make(chan Reply, 1)
	select {
	case s.submissions <- submission{cmd: cmd, reply: reply}:
		return reply, nil
	case <-s.closed:
		reply <- Reply{Err: protoerr.ErrTransportClosed}
		close(reply)
		return reply, nil
	case <-s.flag.Done():
		reply <- Reply{Err: protoerr.ErrCancelled}
		close(reply)
		return reply, nil
	}
}

// Done returns a channel that closes once the run loop has exited, so
// callers can observe that no more Replies will ever be delivered.
func (s *Scheduler) Done() <-chan struct{} { return s.closed }

func (s *Scheduler) run() {
	defer close(s.closed)

	pending := list.New() // of submission
	inflight := list.New() // of *inflightEntry
	buffered := 0

	messages := s.pump.Messages()

	failAll := func(err error) {
		for e := pending.Front(); e != nil; e = e.Next() {
			sub := e.Value.(submission)
			sub.reply <- Reply{Err: err}
			close(sub.reply)
		}
		pending.Init()
		for e := inflight.Front(); e != nil; e = e.Next() {
			ent := e.Value.(*inflightEntry)
			ent.reply <- Reply{Err: err}
			close(ent.reply)
		}
		inflight.Init()
		s.pendingStat.Store(0)
		s.inflightStat.Store(0)
	}

	enqueue := func(sub submission) {
		if sub.cmd.IsRealtime {
			pending.PushFront(sub)
		} else {
			pending.PushBack(sub)
		}
		s.pendingStat.Store(int64(pending.Len()))
	}

	for {
		// Step 1: drain every submission currently available without
		// blocking, preserving realtime-jumps-the-line priority.
		for {
			select {
			case sub := <-s.submissions:
				enqueue(sub)
				continue
			default:
			}
			break
		}

		if pending.Len() == 0 {
			select {
			case sub := <-s.submissions:
				enqueue(sub)
				continue
			case msg, ok := <-messages:
				if !ok {
					failAll(protoerr.ErrTransportClosed)
					return
				}
				if e := s.handleIncoming(msg, inflight); e != nil {
					buffered -= e.wireLen
					s.bufferedStat.Store(int64(buffered))
					s.inflightStat.Store(int64(inflight.Len()))
				}
				continue
			case <-s.flag.Done():
				failAll(protoerr.ErrCancelled)
				return
			}
		}

		head := pending.Front()
		sub := head.Value.(submission)

		if sub.cmd.IsRealtime {
			err := s.pump.WriteRealtime(sub.cmd.Byte)
			pending.Remove(head)
			s.pendingStat.Store(int64(pending.Len()))
			if err != nil {
				sub.reply <- Reply{Err: protoerr.ErrTransportDown}
				close(sub.reply)
				failAll(protoerr.ErrTransportDown)
				return
			}
			close(sub.reply)
			continue
		}

		wireLen := sub.cmd.WireLen()
		if buffered+wireLen <= s.capacity-1 {
			if err := s.pump.WriteBlock(sub.cmd.Line); err != nil {
				sub.reply <- Reply{Err: protoerr.ErrTransportDown}
				close(sub.reply)
				pending.Remove(head)
				failAll(protoerr.ErrTransportDown)
				return
			}
			pending.Remove(head)
			s.pendingStat.Store(int64(pending.Len()))
			buffered += wireLen
			s.bufferedStat.Store(int64(buffered))
			inflight.PushBack(&inflightEntry{wireLen: wireLen, reply: sub.reply})
			s.inflightStat.Store(int64(inflight.Len()))
			continue
		}

		// Step 3: no room. Block for either a reply that frees buffer
		// space, or a new submission (a Realtime jumping the line must
		// still be written before this Block, so it has to be accepted
		// here too), or shutdown.
		select {
		case sub := <-s.submissions:
			enqueue(sub)
		case msg, ok := <-messages:
			if !ok {
				failAll(protoerr.ErrTransportClosed)
				return
			}
			if e := s.handleIncoming(msg, inflight); e != nil {
				buffered -= e.wireLen
				s.bufferedStat.Store(int64(buffered))
				s.inflightStat.Store(int64(inflight.Len()))
			}
		case <-s.flag.Done():
			failAll(protoerr.ErrCancelled)
			return
		}
	}
}

// handleIncoming dispatches one Message from the reader: a Response is
// matched against the oldest in-flight Block (GRBL replies in FIFO order),
// a Push is fanned out on the bus, a stray Response with no in-flight Block
// is logged as a recovered ProtocolViolation, and an Unknown line is logged
// at debug level. Returns the in-flight entry that was resolved, if any,
// so the caller can release its buffer accounting.
func (s *Scheduler) handleIncoming(msg protocol.Message, inflight *list.List) *inflightEntry {
	switch msg.Kind {
	case protocol.MessageResponse:
		front := inflight.Front()
		if front == nil {
			s.log.WithField("response", msg.Response.String()).
				Warn((&protoerr.ProtocolViolation{Detail: "response with no in-flight block"}).Error())
			return nil
		}
		ent := front.Value.(*inflightEntry)
		inflight.Remove(front)
		ent.reply <- Reply{Msg: msg}
		close(ent.reply)
		return ent

	case protocol.MessagePush:
		if s.push != nil {
			s.push.Publish(msg.Push)
		}
		return nil

	default:
		s.log.WithField("raw", msg.Raw).Debug("unrecognised line from controller")
		return nil
	}
}
