package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"exolink/pkg/config"
	"exolink/pkg/engine"
	"exolink/pkg/link"
	"exolink/pkg/logger"
	"exolink/pkg/replay"
)

// replayClientBuffer is large because an unpaced replay publishes far faster
// than a live rig.
const replayClientBuffer = 8192

type replayFlags struct {
	port    uint16
	pace    bool
	speed   float64
	record  string
	console bool
}

func newReplayCmd(global *globalOptions) *cobra.Command {
	flags := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay <capture.pcap>",
		Short: "Decode the rig stream from a packet capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("record") {
				cfg.Record.Path = flags.record
			}
			if cmd.Flags().Changed("console") {
				cfg.Console.Enabled = flags.console
			}
			log, closeLog, err := global.newLogger(cfg, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer closeLog()

			capture, err := replay.ReadFile(args[0], flags.port)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"flow":        capture.Flow,
				"bytes":       capture.Bytes,
				"retransmits": capture.Retransmits,
				"gaps":        capture.Gaps,
			}).Info("capture reassembled")

			var opts []replay.StreamOption
			if flags.pace {
				opts = append(opts, replay.WithPacing(flags.speed))
			}
			stats, err := runReplay(cmd.Context(), cfg, replay.NewStream(capture, opts...), cmd.OutOrStdout(), log)
			fmt.Fprintf(cmd.OutOrStdout(),
				"replayed %d bytes: %d frames, %d accepted, %d checksum failures, %d rejected\n",
				capture.Bytes, stats.Frames, stats.Accepted, stats.ChecksumFailures, stats.Rejected)
			return err
		},
	}
	f := cmd.Flags()
	f.Uint16Var(&flags.port, "port", 5001, "destination port of the rig stream (0 = first tcp flow)")
	f.BoolVar(&flags.pace, "pace", false, "replay on the capture timeline")
	f.Float64Var(&flags.speed, "speed", 1, "pacing speed factor")
	f.StringVar(&flags.record, "record", "", "JSONL recording path")
	f.BoolVar(&flags.console, "console", true, "print every Nth packet to stdout")
	return cmd
}

// runReplay pushes conn through one session and waits for it to drain.
// Running out of capture is a normal end.
func runReplay(ctx context.Context, cfg config.Config, conn link.Conn, stdout io.Writer, log *logrus.Logger) (engine.Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := engine.NewHub(
		engine.WithBroadcastBuffer(cfg.Dispatch.HubBuffer),
		engine.WithClientBuffer(cfg.Dispatch.ClientBuffer),
	)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	// subscriptions end when the hub closes them, after its queue drains
	var attached []<-chan struct{}
	attach := func(c engine.Consumer) {
		attached = append(attached, engine.AttachWithBuffer(context.Background(), hub, c, replayClientBuffer))
	}
	if path := cfg.RecordPath(); path != "" {
		f, err := createRecording(path)
		if err != nil {
			stopHub()
			return engine.Stats{}, err
		}
		defer f.Close()
		var opts []logger.JSONLOption
		if !cfg.Record.Packets {
			opts = append(opts, logger.WithoutPackets())
		}
		attach(logger.NewJSONLWriter(f, opts...))
	}
	if cfg.Console.Enabled {
		attach(logger.NewConsole(stdout, cfg.Console.Every))
	}

	session := engine.NewSession(hub, sessionOptions(cfg, logrus.NewEntry(log))...)
	err := session.ServeConn(ctx, conn)
	if err == nil {
		err = session.Wait()
	}
	if stderrors.Is(err, link.ErrConnectionClosed) {
		log.Info("capture ended without terminate marker")
		err = nil
	}

	stopHub()
	for _, done := range attached {
		<-done
	}
	return session.Stats(), err
}
