package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-grbl/grbl"
	"github.com/arloliu/go-grbl/link"
	"github.com/arloliu/go-grbl/logger"
)

const tcpPrefix = "tcp://"

var (
	flagPort          string
	flagBaud          int
	flagNoWake        bool
	flagAckTimeout    time.Duration
	flagLineRetries   int
	flagHomingRetries int
	flagCloseOnExit   bool
	flagNudge         float64
	flagNudgeFeed     float64
	flagNudgePolicy   string
	flagStreamErrors  string
	flagKeepSoftLimit bool
	flagLogLevel      string
	flagLogFormat     string
	flagQuiet         bool
)

var rootCmd = &cobra.Command{
	Use:           "grblsend",
	Short:         "Stream commands to a GRBL/FluidNC controller",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagPort, "port", "/dev/ttyUSB0", "serial port, or tcp://host:port")
	pf.IntVar(&flagBaud, "baud", link.DefaultBaudRate, "serial baud rate")
	pf.BoolVar(&flagNoWake, "no-wake", false, "skip the wake and sync sequence on open")
	pf.DurationVar(&flagAckTimeout, "ack-timeout", grbl.DefaultAckTimeout, "reply timeout per command attempt")
	pf.IntVar(&flagLineRetries, "line-retries", grbl.DefaultLineRetries, "extra attempts per command or file line")
	pf.IntVar(&flagHomingRetries, "homing-retries", grbl.DefaultHomingTries, "attempts per homing step")
	pf.BoolVar(&flagCloseOnExit, "close-on-exit", false, "close the port on exit (may reset the controller on some adapters)")
	pf.Float64Var(&flagNudge, "nudge", grbl.DefaultNudgeDistance, "axis nudge length for alarm 9 during homing")
	pf.Float64Var(&flagNudgeFeed, "nudge-feed", grbl.DefaultNudgeFeed, "axis nudge feed rate")
	pf.StringVar(&flagNudgePolicy, "nudge-policy", "none", "nudge direction policy: none, fixed or alternating")
	pf.StringVar(&flagStreamErrors, "stream-errors", grbl.StreamAdvance.String(), "file line rejected by the controller: advance or abort")
	pf.BoolVar(&flagKeepSoftLimit, "keep-soft-limits", false, "do not send $20=0 during alarm recovery")
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "console", "log format: console or json")
	pf.BoolVar(&flagQuiet, "quiet", false, "do not print the traffic")

	rootCmd.AddCommand(sendCmd, runCmd)
}

func newLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(flagLogLevel)
	if err != nil {
		return nil, err
	}

	var console bool
	switch flagLogFormat {
	case "console":
		console = true
	case "json":
	default:
		return nil, fmt.Errorf("unknown log format %q", flagLogFormat)
	}

	l := logger.NewSlogWithOptions(logger.SlogOptions{
		Output:  os.Stderr,
		Level:   level,
		Console: console,
	})
	logger.SetLogger(l)

	return l, nil
}

func openLink(port string) (link.Link, error) {
	if addr, ok := strings.CutPrefix(port, tcpPrefix); ok {
		conn, err := link.DialTCP(addr, link.DefaultDialTimeout)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	opts := link.DefaultSerialOptions()
	opts.BaudRate = flagBaud

	sl, err := link.OpenSerial(port, opts)
	if err != nil {
		return nil, err
	}

	return sl, nil
}

// echoTo prints the session traffic the way operators read it on a terminal.
func echoTo(w io.Writer) grbl.EchoFunc {
	return func(dir grbl.Direction, text string) {
		switch dir {
		case grbl.DirOutbound:
			fmt.Fprintln(w, ">>", text)
		case grbl.DirInbound:
			fmt.Fprintln(w, "<<", text)
		default:
			fmt.Fprintln(w, "!!", text)
		}
	}
}

func sessionOptions(l logger.Logger, out io.Writer) ([]grbl.Option, error) {
	policy, err := grbl.ParseNudgePolicy(flagNudgePolicy, grbl.TowardNegative)
	if err != nil {
		return nil, err
	}

	streamPolicy, err := grbl.ParseStreamErrorPolicy(flagStreamErrors)
	if err != nil {
		return nil, err
	}

	opts := []grbl.Option{
		grbl.WithLogger(l),
		grbl.WithAckTimeout(flagAckTimeout),
		grbl.WithLineRetries(flagLineRetries),
		grbl.WithHomingTries(flagHomingRetries),
		grbl.WithCloseLink(flagCloseOnExit),
		grbl.WithWake(!flagNoWake, grbl.DefaultWakeSettle),
		grbl.WithStreamErrorPolicy(streamPolicy),
		grbl.WithDisableSoftLimits(!flagKeepSoftLimit),
	}

	if policy != nil {
		opts = append(opts, grbl.WithNudge(policy, flagNudge, flagNudgeFeed))
	}

	if !flagQuiet {
		opts = append(opts, grbl.WithEcho(echoTo(out)))
	}

	return opts, nil
}

// runSession opens a session on port, lets produce feed it and waits for the dispatcher.
func runSession(cmd *cobra.Command, port string, produce func(ctx context.Context, s *grbl.Session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := newLogger()
	if err != nil {
		return err
	}

	opts, err := sessionOptions(log, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	cfg, err := grbl.NewConfig(opts...)
	if err != nil {
		return err
	}

	l, err := openLink(port)
	if err != nil {
		return err
	}

	log.Info("link opened", "port", port, "baud", flagBaud)

	session, err := grbl.NewSession(ctx, l, cfg)
	if err != nil {
		_ = l.Close()
		return err
	}

	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("close session", "error", err)
		}
	}()

	if err := session.Open(); err != nil {
		return err
	}

	go func() {
		if err := produce(ctx, session); err != nil &&
			!errors.Is(err, grbl.ErrSessionStopped) && !errors.Is(err, context.Canceled) {
			log.Warn("producer stopped", "error", err)
		}
	}()

	if err := session.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("interrupted")
			return nil
		}

		return err
	}

	return nil
}
