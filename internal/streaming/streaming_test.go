package streaming

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"cnc-ctrl/internal/iopump"
	"cnc-ctrl/internal/protocol"
	"cnc-ctrl/internal/pushbus"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/scheduler"
	"cnc-ctrl/internal/statuspoll"
	"cnc-ctrl/internal/transport"
)

func newHarness(t *testing.T) (*Driver, *transport.Pipe, *runstate.Flag) {
	t.Helper()
	pipe := transport.NewPipe()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	pump := iopump.New(pipe, log.WithField("test", t.Name()))
	flag := runstate.New()
	bus := pushbus.New()
	sched := scheduler.New(pump, 128, bus, flag, log.WithField("test", t.Name()))
	poll := statuspoll.New(sched, bus, flag, log.WithField("test", t.Name()))
	drv := New(sched, poll, bus, flag, log.WithField("test", t.Name()))
	t.Cleanup(flag.Stop)
	return drv, pipe, flag
}

// ackEachBlock feeds one "ok" per '\n'-terminated line written to the pipe,
// then one Idle report right after the last "ok", simulating a cooperative
// fake controller.
func ackEachBlock(t *testing.T, pipe *transport.Pipe, count int) {
	t.Helper()
	go func() {
		seen := 0
		for seen < count {
			if len(pipe.WrittenLines()) > seen {
				pipe.Feed("ok")
				seen++
			} else {
				time.Sleep(time.Millisecond)
			}
		}
		pipe.Feed("<Idle|MPos:0.000,0.000,0.000|Bf:15,128>")
	}()
}

func TestStreamAllOkThenIdle(t *testing.T) {
	drv, pipe, _ := newHarness(t)
	blocks := []string{"G0 X1", "G0 X2", "G0 X3"}
	ackEachBlock(t, pipe, len(blocks))

	results, err := drv.Stream(blocks, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, i+1, r.Index)
		require.Equal(t, protocol.ResponseOk, r.Response.Kind)
	}
	require.Equal(t, StateDone, drv.State())
}

func TestStreamCollectsProbePoints(t *testing.T) {
	drv, pipe, _ := newHarness(t)
	blocks := []string{"G38.2 Z-10"}

	go func() {
		require.Eventually(t, func() bool { return len(pipe.WrittenLines()) == 1 }, time.Second, time.Millisecond)
		pipe.Feed("ok")
		pipe.Feed("[PRB:1.000,2.000,3.000:1]")
		pipe.Feed("<Idle|MPos:1.000,2.000,3.000|Bf:15,128>")
	}()

	var buf bytes.Buffer
	results, err := drv.Stream(blocks, &buf)
	require.NoError(t, err)
	require.Len(t, results, 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, "x,y,z", lines[0])
	require.Equal(t, "1.000,2.000,3.000", lines[1])
}

func TestCheckReturnsGcodeErrorsAndLeavesCheckMode(t *testing.T) {
	drv, pipe, _ := newHarness(t)
	blocks := []string{"G0 X1", "BADCMD"}

	go func() {
		// enter check mode
		require.Eventually(t, func() bool { return len(pipe.WrittenLines()) >= 1 }, time.Second, time.Millisecond)
		pipe.Feed("ok")
		// first block ok, second block errors
		require.Eventually(t, func() bool { return len(pipe.WrittenLines()) >= 2 }, time.Second, time.Millisecond)
		pipe.Feed("ok")
		require.Eventually(t, func() bool { return len(pipe.WrittenLines()) >= 3 }, time.Second, time.Millisecond)
		pipe.Feed("error:20")
		pipe.Feed("<Idle|MPos:0.000,0.000,0.000|Bf:15,128>")
		// leave check mode
		require.Eventually(t, func() bool { return len(pipe.WrittenLines()) >= 4 }, time.Second, time.Millisecond)
		pipe.Feed("ok")
	}()

	errs, err := drv.Check(blocks)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, 2, errs[0].Index)
	require.Equal(t, uint8(20), errs[0].Response.Code)

	lines := pipe.WrittenLines()
	require.Equal(t, "$C", lines[0])
	require.Equal(t, "$C", lines[len(lines)-1])
	require.Equal(t, StateFailed, drv.State())
}

func TestStreamCancelledByShutdownFlag(t *testing.T) {
	drv, _, flag := newHarness(t)
	flag.Stop()

	results, err := drv.Stream([]string{"G0 X1"}, nil)
	require.Error(t, err)
	require.Empty(t, results)
	require.Equal(t, StateFailed, drv.State())
}
