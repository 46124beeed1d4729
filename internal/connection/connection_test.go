package connection

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

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

// dial goes through transport.DialTCP/OpenSerial, which need a real
// endpoint; these tests build an ActiveConnection directly around a
// transport.Pipe the way Connect's internals would, exercising the
// caller-facing methods without a socket.
func newTestConnection(t *testing.T) (*ActiveConnection, *transport.Pipe, *runstate.Flag) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	pipe := transport.NewPipe()
	flag := runstate.New()
	t.Cleanup(flag.Stop)

	pump := iopump.New(pipe, log.WithField("test", "connection"))
	bus := pushbus.New()
	sched := scheduler.New(pump, 1024, bus, flag, log.WithField("test", "connection"))
	poll := statuspoll.New(sched, bus, flag, log.WithField("test", "connection"))
	driver := streaming.New(sched, poll, bus, flag, log.WithField("test", "connection"))

	conn := &ActiveConnection{
		transport: pipe,
		pump:      pump,
		sched:     sched,
		bus:       bus,
		poll:      poll,
		driver:    driver,
		flag:      flag,
		log:       log.WithField("test", "connection"),
		useReset:  true,
	}
	return conn, pipe, flag
}

func TestSubmitRoundTripsThroughScheduler(t *testing.T) {
	conn, pipe, _ := newTestConnection(t)

	ch, err := conn.Submit(protocol.BlockCommand("G0 X0"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(pipe.WrittenLines()) == 1 }, time.Second, time.Millisecond)
	pipe.Feed("ok")
	reply := <-ch
	require.NoError(t, reply.Err)
	require.Equal(t, protocol.ResponseOk, reply.Msg.Response.Kind)
}

func TestStreamWaitsForIdle(t *testing.T) {
	conn, pipe, _ := newTestConnection(t)
	go func() {
		pipe.Feed("ok")
		pipe.Feed("<Idle|MPos:1.000,2.000,3.000|Bf:15,1024>")
	}()

	results, err := conn.Stream([]string{"G0 X0"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestWaitUntilIdleMatchesReport(t *testing.T) {
	conn, pipe, _ := newTestConnection(t)
	go pipe.Feed("<Idle|MPos:0.000,0.000,0.000|Bf:15,1024>")

	report, err := conn.WaitUntilIdle(func(r protocol.Report) bool { return r.Status == protocol.StatusIdle })
	require.NoError(t, err)
	require.Equal(t, protocol.StatusIdle, report.Status)
}

func TestShutdownSendsResetByDefaultAndStopsFlag(t *testing.T) {
	conn, pipe, flag := newTestConnection(t)

	require.NoError(t, conn.Shutdown())
	require.False(t, flag.Running())

	found := false
	for _, b := range pipe.Written {
		if b == byte(protocol.Reset) {
			found = true
		}
	}
	require.True(t, found, "expected a Reset byte on the wire")
}

func TestShutdownSendsStopWhenConfigured(t *testing.T) {
	conn, pipe, _ := newTestConnection(t)
	conn.UseResetOnShutdown(false)

	require.NoError(t, conn.Shutdown())

	found := false
	for _, b := range pipe.Written {
		if b == byte(protocol.Stop) {
			found = true
		}
	}
	require.True(t, found, "expected a Stop byte on the wire")
}

func TestDialRejectsUnrecognisedKind(t *testing.T) {
	_, err := dial(config.ConnectionConfig{Kind: "carrier-pigeon"})
	require.Error(t, err)
}
