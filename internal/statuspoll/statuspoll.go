// Package statuspoll implements the status poller (spec §4.F): a polling
// task that keeps writing a StatusQuery realtime byte every 200ms and a
// matcher that watches the push bus for the Report that satisfies a
// caller-supplied predicate, most commonly "has the machine gone Idle".
//
// Grounded on the teacher's services/hal/internal/core/poller.go: a ticking
// trigger paired with a separate read-and-match loop, torn down together
// via one stop signal.
package statuspoll

import (
	"time"

	"github.com/sirupsen/logrus"

	"cnc-ctrl/internal/protoerr"
	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/pushbus"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/scheduler"
)

const interval = 200 * time.Millisecond

// Poller watches a pushbus.Bus for Reports while driving StatusQuery bytes
// through the scheduler.
type Poller struct {
	sched *scheduler.Scheduler
	bus   *pushbus.Bus
	flag  *runstate.Flag
	log   *logrus.Entry
}

// New constructs a Poller. It does not start polling until WaitFor is
// called; each WaitFor call runs its own ticking goroutine for the
// duration of that call, torn down before WaitFor returns.
func New(sched *scheduler.Scheduler, bus *pushbus.Bus, flag *runstate.Flag, log *logrus.Entry) *Poller {
	return &Poller{sched: sched, bus: bus, flag: flag, log: log}
}

// WaitFor blocks until a Push::Report arrives whose parsed Report satisfies
// pred, returning it. If the shutdown flag fires first, it returns a zero
// Report and protoerr.ErrCancelled; if the scheduler's run loop exits first
// (transport closed or failed), it returns protoerr.ErrTransportClosed.
func (p *Poller) WaitFor(pred func(protocol.Report) bool) (protocol.Report, error) {
	sub := p.bus.Subscribe()
	defer sub.Unsubscribe()

	stop := make(chan struct{})
	defer close(stop)
	go p.pollLoop(stop)

	for {
		select {
		case push := <-sub.Channel():
			if push.Kind != protocol.PushReportKind {
				continue
			}
			if pred(push.Report) {
				return push.Report, nil
			}
		case <-p.flag.Done():
			return protocol.Report{}, protoerr.ErrCancelled
		case <-p.sched.Done():
			if !p.flag.Running() {
				return protocol.Report{}, protoerr.ErrCancelled
			}
			return protocol.Report{}, protoerr.ErrTransportClosed
		}
	}
}

// pollLoop writes a StatusQuery realtime byte every interval until stop
// closes or the shutdown flag fires. A failed submission is logged and the
// loop keeps ticking; each query's Reply is drained and discarded. A dead
// transport is surfaced by WaitFor instead, which returns once the
// scheduler's run loop has exited.
func (p *Poller) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ch, err := p.sched.Submit(protocol.RealtimeCommand(protocol.StatusQuery))
			if err != nil {
				p.log.WithError(err).Warn("status query submission failed")
				continue
			}
			go func() { <-ch }()
		case <-stop:
			return
		case <-p.flag.Done():
			return
		}
	}
}
