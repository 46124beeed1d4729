// Package connection wires the protocol core together and exposes the
// caller interface spec §6 describes: connect, submit, stream, check,
// wait_until_idle, shutdown. Connect builds the transport, I/O pump,
// scheduler, push bus, status poller and streaming driver; the scheduler
// and driver are exposed (Scheduler, Driver) for the GPIO injector and the
// job runner, which import those packages themselves.
package connection

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cnc-ctrl/internal/config"
	"cnc-ctrl/internal/iopump"
	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/pushbus"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/scheduler"
	"cnc-ctrl/internal/statuspoll"
	"cnc-ctrl/internal/streaming"
	"cnc-ctrl/internal/transport"
)

// shutdownGrace is how long the shutdown path waits after sending the
// stop/reset realtime byte before it closes the transport (spec §5).
const shutdownGrace = 500 * time.Millisecond

// ActiveConnection is a live connection to a controller: a running reader,
// scheduler, and (lazily, per call) status poller and streaming driver.
type ActiveConnection struct {
	transport transport.Transport
	pump      *iopump.Pump
	sched     *scheduler.Scheduler
	bus       *pushbus.Bus
	poll      *statuspoll.Poller
	driver    *streaming.Driver
	flag      *runstate.Flag
	log       *logrus.Entry

	useReset bool
}

// Connect opens the configured transport and starts the reader and
// scheduler. flag is the process-wide shutdown signal (spec §5); callers
// typically construct one Flag per process and share it across every
// ActiveConnection and every GPIO injector.
func Connect(cfg config.ConnectionConfig, capacity int, flag *runstate.Flag, log *logrus.Entry) (*ActiveConnection, error) {
	t, err := dial(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	pump := iopump.New(t, log.WithField("component", "iopump"))
	bus := pushbus.New()
	sched := scheduler.New(pump, capacity, bus, flag, log.WithField("component", "scheduler"))
	poll := statuspoll.New(sched, bus, flag, log.WithField("component", "statuspoll"))
	driver := streaming.New(sched, poll, bus, flag, log.WithField("component", "streaming"))

	return &ActiveConnection{
		transport: t,
		pump:      pump,
		sched:     sched,
		bus:       bus,
		poll:      poll,
		driver:    driver,
		flag:      flag,
		log:       log,
		useReset:  true,
	}, nil
}

func dial(cfg config.ConnectionConfig) (transport.Transport, error) {
	switch cfg.Kind {
	case "serial":
		return transport.OpenSerial(transport.SerialConfig{
			Port:        cfg.Serial.Port,
			BaudRate:    cfg.Serial.BaudRate,
			ReadTimeout: cfg.Serial.ReadTimeout,
		})
	case "tcp", "":
		return transport.DialTCP(transport.TCPConfig{
			Address:        cfg.TCP.Address,
			Port:           cfg.TCP.Port,
			ConnectTimeout: cfg.TCP.ConnectTimeout,
			ReadTimeout:    cfg.TCP.ReadTimeout,
		})
	default:
		return nil, errors.Errorf("unrecognised connection kind %q", cfg.Kind)
	}
}

// UseResetOnShutdown selects which realtime byte Shutdown sends: Reset
// (0x18, the default) or Stop (0x19), per spec §5's "0x19 or 0x18 Reset
// depending on policy".
func (c *ActiveConnection) UseResetOnShutdown(useReset bool) {
	c.useReset = useReset
}

// Submit submits a single command and returns a channel that receives its
// Reply, per spec §6's submit(cmd) -> receiver<Message>.
func (c *ActiveConnection) Submit(cmd protocol.Command) (<-chan scheduler.Reply, error) {
	return c.sched.Submit(cmd)
}

// Stream submits blocks in order and waits for the machine to go Idle.
func (c *ActiveConnection) Stream(blocks []string, sink streaming.ProbeSink) ([]streaming.IndexedResponse, error) {
	return c.driver.Stream(blocks, sink)
}

// Check runs a pre-flight check-mode pass over blocks.
func (c *ActiveConnection) Check(blocks []string) ([]streaming.IndexedResponse, error) {
	return c.driver.Check(blocks)
}

// WaitUntilIdle blocks until a Report matching pred arrives, or the
// shutdown flag fires.
func (c *ActiveConnection) WaitUntilIdle(pred func(protocol.Report) bool) (protocol.Report, error) {
	return c.poll.WaitFor(pred)
}

// Driver exposes the underlying streaming.Driver for callers (the job
// runner) that need its State() introspection alongside Stream/Check.
func (c *ActiveConnection) Driver() *streaming.Driver { return c.driver }

// Scheduler exposes the underlying scheduler for callers (the GPIO
// injector) that submit realtime commands directly rather than through
// Stream/Check.
func (c *ActiveConnection) Scheduler() *scheduler.Scheduler { return c.sched }

// Bus exposes the push bus for callers that want their own subscription
// (e.g. a live status display) alongside the status poller's.
func (c *ActiveConnection) Bus() *pushbus.Bus { return c.bus }

// Shutdown cancels everything and drains workers (spec §6): it clears the
// shutdown flag, sends a Realtime Stop or Reset, waits shutdownGrace, then
// closes the transport so any still-outstanding Block callers observe
// TransportClosed. The realtime byte is written straight to the transport,
// since the scheduler's run loop exits as soon as the flag is cleared.
func (c *ActiveConnection) Shutdown() error {
	c.flag.Stop()

	rtByte := protocol.Stop
	if c.useReset {
		rtByte = protocol.Reset
	}
	if err := c.pump.WriteRealtime(rtByte); err != nil {
		c.log.WithError(err).Warn("failed to send shutdown realtime byte")
	}

	time.Sleep(shutdownGrace)
	return c.pump.Close()
}
