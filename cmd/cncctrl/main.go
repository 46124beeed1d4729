// Command cncctrl drives a GRBL-class controller through a configured job:
// connect, optionally check each gcode step, stream it, wait for idle, and
// repeat for every step in the config's step list. Subcommands recover
// operator workflows the original's config-first architecture implies but
// does not name as a CLI surface (SPEC_FULL.md "AMBIENT STACK / CLI").
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"cnc-ctrl/internal/config"
	"cnc-ctrl/internal/connection"
	"cnc-ctrl/internal/gpio"
	"cnc-ctrl/internal/job"
	"cnc-ctrl/internal/runstate"
)

var configPath string

func main() {
	root := newRootCmd()
	root.AddCommand(newCheckCmd())
	root.AddCommand(newValidateConfigCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cncctrl",
		Short: "Stream a configured job to a GRBL-class CNC controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logs)

			flag := runstate.New()
			installSignalHandler(flag, log)

			conn, err := connection.Connect(cfg.Connection, effectiveCapacity(cfg.Grbl), flag, log.WithField("component", "connection"))
			if err != nil {
				return err
			}
			defer conn.Shutdown()

			gate, err := newInjector(cfg.Inputs, conn, log)
			if err != nil {
				return err
			}
			defer gate.Close()

			runner := job.New(conn.Driver(), gate, flag, log.WithField("component", "job"))
			timestamp := jobTimestamp()
			return runner.RunSteps(cfg.Steps, timestamp)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yml (default ~/.config/cnc-ctrl/config.yml)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <gcode-file>",
		Short: "Run a check-mode pass over a gcode file and print any errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logs)
			flag := runstate.New()

			conn, err := connection.Connect(cfg.Connection, effectiveCapacity(cfg.Grbl), flag, log.WithField("component", "connection"))
			if err != nil {
				return err
			}
			defer conn.Shutdown()

			lines, err := readGcodeFile(args[0])
			if err != nil {
				return err
			}

			errs, err := conn.Check(lines)
			if err != nil {
				return err
			}
			if len(errs) == 0 {
				fmt.Println("check passed: no errors found")
				return nil
			}
			for _, e := range errs {
				fmt.Printf("%s:%d - error:%d\n", args[0], e.Index, e.Response.Code)
			}
			return fmt.Errorf("check found %d error(s)", len(errs))
		},
	}
}

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Parse the resolved config and print it without connecting to hardware",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", cfg)
			return nil
		},
	}
}

func newLogger(cfg config.LogsConfig) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if cfg.Save {
		log.SetOutput(&lumberjack.Logger{
			Filename:   config.ExpandPath(cfg.Path),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	return log
}

func effectiveCapacity(cfg config.GrblConfig) int {
	if cfg.RxBufferSizeBytes <= 0 {
		return 1024
	}
	return cfg.RxBufferSizeBytes
}

func newInjector(cfg config.InputsConfig, conn *connection.ActiveConnection, log *logrus.Logger) (*gpio.Injector, error) {
	gc := gpio.Config{Chip: cfg.Chip, ProbeXY: gpio.PinConfig{Offset: gpio.Unset}, ProbeZ: gpio.PinConfig{Offset: gpio.Unset}, Signal: gpio.PinConfig{Offset: gpio.Unset}}
	if cfg.ProbeXY != nil {
		gc.ProbeXY = gpio.PinConfig{Offset: cfg.ProbeXY.Offset, Debounce: msToDuration(cfg.ProbeXY.DebounceMs)}
	}
	if cfg.ProbeZ != nil {
		gc.ProbeZ = gpio.PinConfig{Offset: cfg.ProbeZ.Offset, Debounce: msToDuration(cfg.ProbeZ.DebounceMs)}
	}
	if cfg.Signal != nil {
		gc.Signal = gpio.PinConfig{Offset: cfg.Signal.Offset, Debounce: msToDuration(cfg.Signal.DebounceMs)}
	}
	return gpio.New(gc, conn.Scheduler(), log.WithField("component", "gpio"))
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func jobTimestamp() string {
	return time.Now().Format("20060102-150405")
}

func readGcodeFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return lines, nil
}

// installSignalHandler stops flag on SIGINT/SIGTERM so a running job and
// its deferred ActiveConnection.Shutdown unwind cleanly (spec §5).
func installSignalHandler(flag *runstate.Flag, log *logrus.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.WithField("signal", sig).Info("shutting down")
		flag.Stop()
	}()
}
