// Package job loads and executes an ordered list of steps — streaming a
// G-code file or running a shell command — gated by the GPIO start signal
// and interruptible by the probe contact, per original_source's steps.rs /
// steps/bash.rs / steps/gcode.rs / task.rs (two competing designs across
// revisions collapsed here into one: a Runner that dispatches on
// config.StepConfig's Type). Not part of the protocol core; exists
// only so the binary has something to do with it (spec §1: "it loads a job
// description listing a sequence of tasks").
package job

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"cnc-ctrl/internal/config"
	"cnc-ctrl/internal/gpio"
	"cnc-ctrl/internal/runstate"
	"cnc-ctrl/internal/streaming"
)

// CheckFailure reports that a gcode step's pre-flight check found errors;
// returned by Runner.RunSteps when a check fails, wrapping the indexed
// Error responses the streaming driver collected (spec §7 GcodeError).
type CheckFailure struct {
	Path   string
	Errors []streaming.IndexedResponse
}

func (e *CheckFailure) Error() string {
	return e.Path + ": check found " + strconv.Itoa(len(e.Errors)) + " error(s)"
}

// Runner executes a job's step list against one streaming.Driver.
type Runner struct {
	driver *streaming.Driver
	gate   *gpio.Injector
	flag   *runstate.Flag
	log    *logrus.Entry
}

// New constructs a Runner.
func New(driver *streaming.Driver, gate *gpio.Injector, flag *runstate.Flag, log *logrus.Entry) *Runner {
	return &Runner{driver: driver, gate: gate, flag: flag, log: log}
}

// RunSteps executes every step in order, stopping at the first error.
// timestamp is substituted into "{%t}" template placeholders in paths and
// commands (original_source's apply_template), typically the job's start
// time formatted by the caller.
func (r *Runner) RunSteps(steps []config.StepConfig, timestamp string) error {
	for i, step := range steps {
		var err error
		switch step.Type {
		case "gcode":
			if step.Gcode == nil {
				err = errors.Errorf("step %d: type is \"gcode\" but no gcode config present", i+1)
			} else {
				err = r.runGcodeStep(step.Gcode, timestamp)
			}
		case "bash":
			if step.Bash == nil {
				err = errors.Errorf("step %d: type is \"bash\" but no bash config present", i+1)
			} else {
				err = r.runBashStep(step.Bash, timestamp)
			}
		default:
			err = errors.Errorf("step %d: unrecognised type %q", i+1, step.Type)
		}
		if err != nil {
			return errors.Wrapf(err, "step %d", i+1)
		}
	}
	return nil
}

func (r *Runner) waitForSignal(wait bool) error {
	if !wait {
		return nil
	}
	r.log.Debug("waiting for start signal")
	return r.gate.WaitForSignal(r.flag)
}

func (r *Runner) runGcodeStep(step *config.GcodeStepConfig, timestamp string) error {
	if err := r.waitForSignal(step.ShouldWaitForSignal()); err != nil {
		return err
	}

	path := config.ApplyTemplate(config.ExpandPath(step.Path), timestamp)
	lines, err := readLines(path)
	if err != nil {
		return errors.Wrapf(err, "opening gcode file %q", path)
	}

	if step.ShouldCheck() {
		r.log.WithField("path", path).Info("checking gcode")
		errs, err := r.driver.Check(lines)
		if err != nil {
			return errors.Wrap(err, "check mode")
		}
		if len(errs) > 0 {
			r.log.WithField("path", path).WithField("errors", len(errs)).Error("check found errors")
			return &CheckFailure{Path: path, Errors: errs}
		}
		r.log.WithField("path", path).Info("check passed")
	}

	var sink streaming.ProbeSink
	if step.Probe != nil && step.Probe.SavePath != "" {
		outPath := config.ApplyTemplate(config.ExpandPath(step.Probe.SavePath), timestamp)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return errors.Wrapf(err, "creating probe output directory for %q", outPath)
		}
		f, err := os.Create(outPath)
		if err != nil {
			return errors.Wrapf(err, "creating probe output file %q", outPath)
		}
		defer f.Close()
		sink = f
	}

	r.log.WithField("path", path).Info("streaming gcode")
	_, err = r.driver.Stream(lines, sink)
	return err
}

func (r *Runner) runBashStep(step *config.BashStepConfig, timestamp string) error {
	if err := r.waitForSignal(step.WaitForSignal); err != nil {
		return err
	}

	command := config.ApplyTemplate(config.ExpandPath(step.Command), timestamp)
	cmd := exec.Command("sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "command %q failed: %s", command, strings.TrimSpace(out.String()))
	}

	if trimmed := strings.TrimSpace(out.String()); trimmed != "" {
		r.log.WithField("output", trimmed).Info("command output")
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
