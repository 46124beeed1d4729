package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"cnc-ctrl/internal/config"
	"cnc-ctrl/internal/gpio"
	"cnc-ctrl/internal/iopump"
	"cnc-ctrl/internal/pushbus"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/scheduler"
	"cnc-ctrl/internal/statuspoll"
	"cnc-ctrl/internal/streaming"
	"cnc-ctrl/internal/transport"
)

func newHarness(t *testing.T) (*Runner, *transport.Pipe, *runstate.Flag) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	pipe := transport.NewPipe()
	pump := iopump.New(pipe, log.WithField("test", "job"))
	flag := runstate.New()
	t.Cleanup(flag.Stop)
	bus := pushbus.New()
	sched := scheduler.New(pump, 1024, bus, flag, log.WithField("test", "job"))
	poll := statuspoll.New(sched, bus, flag, log.WithField("test", "job"))
	driver := streaming.New(sched, poll, bus, flag, log.WithField("test", "job"))
	gate, err := gpio.New(gpio.Config{
		Chip:    "",
		ProbeXY: gpio.PinConfig{Offset: gpio.Unset},
		ProbeZ:  gpio.PinConfig{Offset: gpio.Unset},
		Signal:  gpio.PinConfig{Offset: gpio.Unset},
	}, sched, log.WithField("test", "job"))
	require.NoError(t, err)
	runner := New(driver, gate, flag, log.WithField("test", "job"))
	return runner, pipe, flag
}

func ackAllThenIdle(pipe *transport.Pipe, blocks int) {
	go func() {
		for i := 0; i < blocks; i++ {
			pipe.Feed("ok")
		}
		pipe.Feed("<Idle|MPos:0.000,0.000,0.000|Bf:15,1024>")
	}()
}

func writeGcodeFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "job.nc")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunStepsStreamsGcodeWithoutCheckOrSignal(t *testing.T) {
	runner, pipe, _ := newHarness(t)
	path := writeGcodeFile(t, "G0 X0", "G0 Y0")

	no := false
	steps := []config.StepConfig{
		{Type: "gcode", Gcode: &config.GcodeStepConfig{Path: path, Check: &no, WaitForSignal: &no}},
	}

	ackAllThenIdle(pipe, 2)
	require.NoError(t, runner.RunSteps(steps, "ts"))
}

func TestRunStepsFailsOnCheckErrors(t *testing.T) {
	runner, pipe, _ := newHarness(t)
	path := writeGcodeFile(t, "G0 X0")

	no := false
	yes := true
	steps := []config.StepConfig{
		{Type: "gcode", Gcode: &config.GcodeStepConfig{Path: path, Check: &yes, WaitForSignal: &no}},
	}

	go func() {
		pipe.Feed("ok")       // $C enter
		pipe.Feed("error:20") // the block
		pipe.Feed("<Idle|MPos:0.000,0.000,0.000|Bf:15,1024>")
		pipe.Feed("ok") // $C exit
	}()

	err := runner.RunSteps(steps, "ts")
	require.Error(t, err)
	var cf *CheckFailure
	require.ErrorAs(t, err, &cf)
	require.Len(t, cf.Errors, 1)
	require.EqualValues(t, 20, cf.Errors[0].Response.Code)
}

func TestRunStepsRunsBashCommand(t *testing.T) {
	runner, _, _ := newHarness(t)
	steps := []config.StepConfig{
		{Type: "bash", Bash: &config.BashStepConfig{Command: "exit 0"}},
	}
	require.NoError(t, runner.RunSteps(steps, "ts"))
}

func TestRunStepsWrapsFailingBashCommand(t *testing.T) {
	runner, _, _ := newHarness(t)
	steps := []config.StepConfig{
		{Type: "bash", Bash: &config.BashStepConfig{Command: "exit 7"}},
	}
	require.Error(t, runner.RunSteps(steps, "ts"))
}

func TestRunStepsRejectsUnrecognisedType(t *testing.T) {
	runner, _, _ := newHarness(t)
	steps := []config.StepConfig{{Type: "frobnicate"}}
	require.Error(t, runner.RunSteps(steps, "ts"))
}

func TestRunStepsCancelledByShutdownFlagBeforeWaitingOnSignal(t *testing.T) {
	runner, _, flag := newHarness(t)
	path := writeGcodeFile(t, "G0 X0")

	yes := true
	steps := []config.StepConfig{
		{Type: "gcode", Gcode: &config.GcodeStepConfig{Path: path, Check: &yes, WaitForSignal: &yes}},
	}

	flag.Stop()
	err := runner.RunSteps(steps, "ts")
	require.Error(t, err)
}
