package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"exolink/pkg/bridge/foxglove"
	"exolink/pkg/bridge/mqtt"
	"exolink/pkg/config"
	"exolink/pkg/engine"
	"exolink/pkg/logger"
	"exolink/pkg/monitor"
	"exolink/pkg/transport"
)

type serveFlags struct {
	addr     string
	serial   string
	baud     int
	record   string
	monitor  bool
	console  bool
	foxglove bool
	mqtt     bool
}

func newServeCmd(global *globalOptions) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive the rig stream and dispatch it to the configured consumers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			applyServeFlags(cmd, flags, &cfg)
			if err := cfg.Validate(); err != nil {
				return usageError{err}
			}

			log, closeLog, err := global.newLogger(cfg, cmd.ErrOrStderr(), flags.monitor)
			if err != nil {
				return err
			}
			defer closeLog()

			return runServe(cmd.Context(), cfg, flags.monitor, cmd.OutOrStdout(), log)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", "", "TCP listen address (default from config)")
	f.StringVar(&flags.serial, "serial", "", "read the rig from a serial port instead of TCP")
	f.IntVar(&flags.baud, "baud", 0, "serial baud rate (default from config)")
	f.StringVar(&flags.record, "record", "", "JSONL recording path")
	f.BoolVar(&flags.monitor, "monitor", false, "show the live terminal monitor")
	f.BoolVar(&flags.console, "console", true, "print every Nth packet to stdout")
	f.BoolVar(&flags.foxglove, "foxglove", false, "serve the Foxglove websocket bridge")
	f.BoolVar(&flags.mqtt, "mqtt", false, "publish to the MQTT broker")
	return cmd
}

// applyServeFlags lets explicitly set flags override file values.
func applyServeFlags(cmd *cobra.Command, flags *serveFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("addr") {
		cfg.Server.Addr = flags.addr
	}
	if changed("serial") {
		cfg.Serial.Port = flags.serial
	}
	if changed("baud") {
		cfg.Serial.BaudRate = flags.baud
	}
	if changed("record") {
		cfg.Record.Path = flags.record
	}
	if changed("console") {
		cfg.Console.Enabled = flags.console
	}
	if changed("foxglove") {
		cfg.Foxglove.Enabled = flags.foxglove
	}
	if changed("mqtt") {
		cfg.MQTT.Enabled = flags.mqtt
	}
	if flags.monitor {
		cfg.Console.Enabled = false
	}
}

// sessionTracker exposes the counters of whichever session owns the link.
type sessionTracker struct {
	mu      sync.Mutex
	session *engine.Session
}

func (t *sessionTracker) set(s *engine.Session) {
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
}

func (t *sessionTracker) Stats() engine.Stats {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()
	if s == nil {
		return engine.Stats{}
	}
	return s.Stats()
}

func runServe(ctx context.Context, cfg config.Config, withMonitor bool, stdout io.Writer, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := engine.NewHub(
		engine.WithBroadcastBuffer(cfg.Dispatch.HubBuffer),
		engine.WithClientBuffer(cfg.Dispatch.ClientBuffer),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	var attached []<-chan struct{}
	attach := func(c engine.Consumer) {
		attached = append(attached, engine.AttachWithBuffer(gctx, hub, c, cfg.Dispatch.ClientBuffer))
	}

	if path := cfg.RecordPath(); path != "" {
		f, err := createRecording(path)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer f.Close()
		var opts []logger.JSONLOption
		if !cfg.Record.Packets {
			opts = append(opts, logger.WithoutPackets())
		}
		attach(logger.NewJSONLWriter(f, opts...))
		log.WithField("path", path).Info("recording to jsonl")
	}

	if cfg.Console.Enabled {
		attach(logger.NewConsole(stdout, cfg.Console.Every))
	}

	if cfg.MQTT.Enabled {
		pub, err := mqtt.Dial(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			PacketEvery: cfg.MQTT.PacketEvery,
		}, logrus.NewEntry(log))
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		defer pub.Close()
		attach(pub)
		log.WithField("broker", cfg.MQTT.Broker).Info("mqtt bridge connected")
	}

	if cfg.Foxglove.Enabled {
		fcfg := foxglove.DefaultConfig()
		fcfg.WSAddr = cfg.Foxglove.WSAddr
		fcfg.Topic = cfg.Foxglove.Topic
		fcfg.ParentFrameID = cfg.Foxglove.ParentFrame
		fcfg.LogName = cfg.Foxglove.LogName
		srv := foxglove.NewServer(fcfg, hub, logrus.NewEntry(log))
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	tracker := &sessionTracker{}
	g.Go(func() error {
		return serveLoop(gctx, hub, cfg, tracker, logrus.NewEntry(log))
	})

	if withMonitor {
		g.Go(func() error {
			defer cancel()
			return monitor.Run(gctx, hub, describeSource(cfg), tracker.Stats)
		})
	}

	err := g.Wait()
	// consumers flush before the deferred closes run
	for _, done := range attached {
		<-done
	}
	return err
}

func createRecording(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create record directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create recording")
	}
	return f, nil
}

func describeSource(cfg config.Config) string {
	if cfg.Serial.Port != "" {
		return cfg.Serial.Port
	}
	return cfg.Server.Addr
}

func sessionOptions(cfg config.Config, log *logrus.Entry) []engine.Option {
	return []engine.Option{
		engine.WithReadTimeout(cfg.ReadTimeout()),
		engine.WithNegotiation(cfg.NegotiateOptions()),
		engine.WithLimits(cfg.Limits()),
		engine.WithWarnEvery(cfg.Sanity.WarnEvery),
		engine.WithLogInterval(cfg.LogInterval()),
		engine.WithLogger(log),
	}
}

// serveLoop runs one session per rig connection and starts the next one
// after it ends, backing off while sessions keep failing.
func serveLoop(ctx context.Context, hub *engine.Hub, cfg config.Config, tracker *sessionTracker, log *logrus.Entry) error {
	log = log.WithField("component", "serve")
	backoff := cfg.Backoff()
	failures := 0

	for ctx.Err() == nil {
		session := engine.NewSession(hub, sessionOptions(cfg, log)...)
		tracker.set(session)

		err := startSession(ctx, session, cfg)
		if err == nil {
			err = session.Wait()
		}
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			failures++
			log.WithError(err).WithField("attempt", failures).Warn("session ended")
		} else {
			failures = 0
			log.WithField("stats", session.Stats()).Info("session finished")
		}
		if !backoff.Sleep(ctx, max(failures, 1)) {
			return nil
		}
	}
	return nil
}

func startSession(ctx context.Context, session *engine.Session, cfg config.Config) error {
	if cfg.Serial.Port == "" {
		return session.StartListening(ctx, cfg.Server.Addr)
	}
	conn, err := transport.OpenSerial(cfg.Serial)
	if err != nil {
		return err
	}
	if err := session.ServeConn(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}
