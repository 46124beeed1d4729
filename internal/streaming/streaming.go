// Package streaming implements the streaming driver (spec §4.E, state
// machine §4.X): submitting an ordered list of G-code Blocks through the
// scheduler, collecting their Responses in submission order, optionally
// emitting probed points to a CSV sink, and waiting for the machine to
// return to Idle before reporting completion. check() wraps stream() in a
// "$C" toggle to validate a job without motion.
//
// Grounded on the teacher's services/hal/internal/service package (a
// sequencing layer driving a worker and reporting a typed result), adapted
// from HAL measurement requests to G-code submission/response pairs.
package streaming

import (
	"io"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cnc-ctrl/internal/protoerr"
	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/pushbus"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/scheduler"
	"cnc-ctrl/internal/statuspoll"
)

// State is the streaming driver's per-step state (spec §4.X).
type State int

const (
	StateIdle State = iota
	StateChecking
	StateStreaming
	StateDraining
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateChecking:
		return "Checking"
	case StateStreaming:
		return "Streaming"
	case StateDraining:
		return "Draining"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IndexedResponse pairs a Response with its 1-based submission index.
type IndexedResponse struct {
	Index    int
	Response protocol.Response
}

// ProbeSink receives probed points as they arrive during a stream, in CSV
// form "x,y,z" with a header row written once before the first point.
type ProbeSink interface {
	io.Writer
}

// Driver runs stream/check operations against a single scheduler.
type Driver struct {
	sched *scheduler.Scheduler
	poll  *statuspoll.Poller
	bus   *pushbus.Bus
	flag  *runstate.Flag
	log   *logrus.Entry

	state atomic.Int32
}

// New constructs a Driver. sched is the Block/Realtime writer, poll
// resolves wait-until-idle, bus is where PRB feedback pushes are
// published, flag is the shared shutdown signal.
func New(sched *scheduler.Scheduler, poll *statuspoll.Poller, bus *pushbus.Bus, flag *runstate.Flag, log *logrus.Entry) *Driver {
	return &Driver{sched: sched, poll: poll, bus: bus, flag: flag, log: log}
}

// State reports the driver's current position in the per-step state
// machine (spec §4.X), for introspection.
func (d *Driver) State() State {
	return State(d.state.Load())
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

// Stream submits every block up front, so the scheduler can pipeline them
// against RX_CAPACITY instead of stopping-and-waiting one block at a time
// (spec §4.D, §4.E, §8 scenario 2), then collects the controller's
// Responses in submission order, and waits for the machine to report Idle
// before returning. If sink is non-nil, any PRB (probed point) push
// observed during the call is written to it as a CSV row, with the header
// written once before the first row.
func (d *Driver) Stream(blocks []string, sink ProbeSink) ([]IndexedResponse, error) {
	d.setState(StateStreaming)

	var probeSub *pushbus.Subscription
	probeStop := make(chan struct{})
	probeDone := make(chan struct{})
	if sink != nil {
		probeSub = d.bus.Subscribe()
		go d.drainProbes(probeSub, sink, probeStop, probeDone)
	}

	type inflightBlock struct {
		index int
		reply <-chan scheduler.Reply
	}

	submitted := make([]inflightBlock, 0, len(blocks))
	var submitErr error
	for i, line := range blocks {
		if !d.flag.Running() {
			submitErr = protoerr.ErrCancelled
			break
		}
		ch, err := d.sched.Submit(protocol.BlockCommand(line))
		if err != nil {
			submitErr = errors.Wrapf(err, "block #%d", i+1)
			break
		}
		submitted = append(submitted, inflightBlock{index: i + 1, reply: ch})
	}

	results := make([]IndexedResponse, 0, len(submitted))
	for _, b := range submitted {
		reply := <-b.reply
		if submitErr != nil {
			continue
		}
		if reply.Err != nil {
			submitErr = reply.Err
			continue
		}
		results = append(results, IndexedResponse{Index: b.index, Response: reply.Msg.Response})
	}

	if submitErr != nil {
		d.setState(StateFailed)
		d.stopProbeDrain(probeSub, probeStop, probeDone)
		return results, submitErr
	}

	d.setState(StateDraining)

	report, err := d.poll.WaitFor(func(r protocol.Report) bool { return r.Status == protocol.StatusIdle })
	d.stopProbeDrain(probeSub, probeStop, probeDone)
	if err != nil {
		d.setState(StateFailed)
		return results, err
	}
	d.log.WithField("mpos", report.MPos).Debug("machine reported idle, stream complete")

	d.setState(StateDone)
	return results, nil
}

func (d *Driver) stopProbeDrain(sub *pushbus.Subscription, stop, done chan struct{}) {
	if sub == nil {
		return
	}
	close(stop)
	<-done
}

func (d *Driver) drainProbes(sub *pushbus.Subscription, sink ProbeSink, stop, done chan struct{}) {
	defer close(done)
	defer sub.Unsubscribe()
	headerWritten := false
	for {
		select {
		case push := <-sub.Channel():
			if push.Kind != protocol.PushFeedback || push.Feedback.Kind != "PRB" {
				continue
			}
			probe, ok := protocol.ParseProbe(push.Feedback.Data)
			if !ok {
				d.log.WithField("raw", push.Raw).Warn("could not parse PRB feedback")
				continue
			}
			if !headerWritten {
				if _, err := io.WriteString(sink, "x,y,z\n"); err != nil {
					d.log.WithError(err).Warn("failed to write probe CSV header")
					return
				}
				headerWritten = true
			}
			line := formatProbeRow(probe)
			if _, err := io.WriteString(sink, line); err != nil {
				d.log.WithError(err).Warn("failed to write probe CSV row")
				return
			}
		case <-stop:
			return
		}
	}
}

// Check enters check mode ("$C"), streams blocks with no probe sink
// (check mode produces no motion, so no probed points are expected), then
// leaves check mode. It returns the subset of responses that were errors,
// with their 1-based submission indices; a non-empty result is fatal for
// the calling step (spec §7 GcodeError).
func (d *Driver) Check(blocks []string) ([]IndexedResponse, error) {
	d.setState(StateChecking)

	if err := d.toggleCheckMode(); err != nil {
		d.setState(StateFailed)
		return nil, err
	}

	results, err := d.Stream(blocks, nil)

	if toggleErr := d.toggleCheckMode(); toggleErr != nil && err == nil {
		err = toggleErr
	}
	if err != nil {
		d.setState(StateFailed)
		return nil, err
	}

	var errs []IndexedResponse
	for _, r := range results {
		if r.Response.Kind == protocol.ResponseError {
			errs = append(errs, r)
		}
	}
	if len(errs) > 0 {
		d.setState(StateFailed)
		return errs, nil
	}
	d.setState(StateDone)
	return errs, nil
}

func (d *Driver) toggleCheckMode() error {
	ch, err := d.sched.Submit(protocol.BlockCommand("$C"))
	if err != nil {
		return err
	}
	reply := <-ch
	if reply.Err != nil {
		return reply.Err
	}
	if reply.Msg.Response.Kind != protocol.ResponseOk {
		return protoerr.ErrCheckModeNotAcked
	}
	return nil
}

func formatProbeRow(p protocol.Probe) string {
	return formatFloat(p.X) + "," + formatFloat(p.Y) + "," + formatFloat(p.Z) + "\n"
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}
