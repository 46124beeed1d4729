// Package gpio implements the interrupt injector (spec §4.G): GPIO edges
// bound, at startup, either to a Realtime command injected through the
// scheduler's priority path (probe_xy/probe_z) or to a release of whoever
// is blocked waiting on the job runner's start gate (signal).
//
// Grounded on the teacher's services/hal/internal/gpioirq.Worker
// (ISR-queue + non-blocking channel send + debounce-by-last-event-time),
// adapted from a generic bus event to two fixed outcomes; edge detection
// and debounce are delegated to github.com/warthog618/go-gpiocdev's own
// line-request options instead of the teacher's software ISR queue, since
// gpiocdev already delivers edges off a dedicated goroutine rather than a
// true interrupt context, making a second software debounce layer
// redundant.
package gpio

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"

	"cnc-ctrl/internal/protoerr"
	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/scheduler"
)

// PinConfig describes one monitored line: its offset on Chip and the
// debounce window gpiocdev applies before delivering an edge.
type PinConfig struct {
	Offset   int
	Debounce time.Duration
}

// Config collects every input line the injector binds at startup. A
// PinConfig.Offset of Unset (-1) means "not wired"; New skips binding that
// line. A zero-valued PinConfig names offset 0, so unused pins must be set
// to Unset explicitly.
type Config struct {
	Chip string

	ProbeXY PinConfig
	ProbeZ  PinConfig
	Signal  PinConfig
}

// Unset is the sentinel Offset meaning "this pin is not configured".
const Unset = -1

// Injector owns the requested gpiocdev lines for the process lifetime;
// Close releases them during shutdown.
type Injector struct {
	sched *scheduler.Scheduler
	log   *logrus.Entry

	mu    sync.Mutex
	lines []*gpiocdev.Line

	signalCh chan struct{}
}

// New binds every configured pin and returns an Injector holding the
// requested lines. Installation is one-shot: callers do not re-bind during
// the process lifetime.
func New(cfg Config, sched *scheduler.Scheduler, log *logrus.Entry) (*Injector, error) {
	inj := &Injector{
		sched:    sched,
		log:      log,
		signalCh: make(chan struct{}, 1),
	}

	if cfg.ProbeXY.Offset != Unset {
		if err := inj.bindRealtimeEdge(cfg.Chip, cfg.ProbeXY, "probe_xy"); err != nil {
			inj.Close()
			return nil, err
		}
	}
	if cfg.ProbeZ.Offset != Unset {
		if err := inj.bindRealtimeEdge(cfg.Chip, cfg.ProbeZ, "probe_z"); err != nil {
			inj.Close()
			return nil, err
		}
	}
	if cfg.Signal.Offset != Unset {
		if err := inj.bindSignalEdge(cfg.Chip, cfg.Signal); err != nil {
			inj.Close()
			return nil, err
		}
	}

	return inj, nil
}

func (inj *Injector) bindRealtimeEdge(chip string, pin PinConfig, name string) error {
	line, err := gpiocdev.RequestLine(chip, pin.Offset,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithDebounce(pin.Debounce),
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			inj.onRealtimeEdge(name)
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "requesting %s line (chip %s, offset %d)", name, chip, pin.Offset)
	}
	inj.mu.Lock()
	inj.lines = append(inj.lines, line)
	inj.mu.Unlock()
	return nil
}

func (inj *Injector) bindSignalEdge(chip string, pin PinConfig) error {
	line, err := gpiocdev.RequestLine(chip, pin.Offset,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithDebounce(pin.Debounce),
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			inj.releaseSignal()
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "requesting signal line (chip %s, offset %d)", chip, pin.Offset)
	}
	inj.mu.Lock()
	inj.lines = append(inj.lines, line)
	inj.mu.Unlock()
	return nil
}

// onRealtimeEdge submits a JogCancel realtime byte through the scheduler's
// priority path; the reply is drained and discarded on a throwaway
// goroutine, so the outcome of the realtime write is not observed here.
func (inj *Injector) onRealtimeEdge(name string) {
	ch, err := inj.sched.Submit(protocol.RealtimeCommand(protocol.JogCancel))
	if err != nil {
		inj.log.WithError(err).WithField("pin", name).Warn("failed to submit realtime command for GPIO edge")
		return
	}
	go func() { <-ch }()
}

// releaseSignal wakes one pending WaitForSignal call, or the next one if
// none is currently waiting, via a single-slot buffered channel.
func (inj *Injector) releaseSignal() {
	select {
	case inj.signalCh <- struct{}{}:
	default:
	}
}

// WaitForSignal blocks until the signal pin's next rising edge, or until
// flag fires, in which case it returns protoerr.ErrCancelled. Each call
// consumes one edge, so a job with several wait_for_signal steps waits for
// a fresh press every time.
func (inj *Injector) WaitForSignal(flag *runstate.Flag) error {
	select {
	case <-inj.signalCh:
		return nil
	case <-flag.Done():
		return protoerr.ErrCancelled
	}
}

// Close releases every requested line. Safe to call once during shutdown.
func (inj *Injector) Close() error {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	var firstErr error
	for _, l := range inj.lines {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	inj.lines = nil
	return firstErr
}
