package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arzzra/callcore/pkg/coordinator"
	"github.com/arzzra/callcore/pkg/engine/loopback"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/scenario"
	"github.com/arzzra/callcore/pkg/session"
)

// ErrScenarioFailed хотя бы один шаг сценария не совпал с ожидаемым
var ErrScenarioFailed = errors.New("scenario failed")

const closeTimeout = 5 * time.Second

func (a *app) replayCommand() *cobra.Command {
	var hold time.Duration

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>...",
		Short: "Replay call scenarios against the loopback engine",
		Long: `Replays each scenario file on a fresh coordinator backed by the
loopback engine. Session notifications are written to the log. The command
fails if any expectation in any scenario does not hold.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.settings()
			if err != nil {
				return err
			}
			return replay(cmd.Context(), s, cmd.OutOrStdout(), cmd.ErrOrStderr(), args, hold)
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 0, "keep the metrics endpoint up this long after replaying")
	return cmd
}

func replay(ctx context.Context, s settings, out, logOut io.Writer, paths []string, hold time.Duration) error {
	logger := s.logger(logOut)
	collector := metrics.New(metrics.DefaultConfig())

	if s.MetricsAddr != "" {
		_, stop, err := serveMetrics(ctx, s.MetricsAddr, collector, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	failed := 0
	for _, path := range paths {
		sc, err := scenario.Load(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		res, err := runScenario(ctx, s, sc, collector, logger)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		name := res.Name
		if name == "" {
			name = path
		}
		if res.OK() {
			fmt.Fprintf(out, "PASS %s (%d steps)\n", name, res.Steps)
			continue
		}
		failed++
		fmt.Fprintf(out, "FAIL %s\n", name)
		for _, f := range res.Failures {
			fmt.Fprintf(out, "  %v\n", f)
		}
	}

	st := collector.Stats()
	fmt.Fprintf(out, "sessions=%d errors=%d late_events=%d transfer_bytes=%d\n",
		st.TotalSessions, st.TotalErrors, st.LateEvents, st.TransferBytes)

	if s.MetricsAddr != "" && hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrScenarioFailed, failed, len(paths))
	}
	return nil
}

// runScenario проигрывает один сценарий на новом координаторе
func runScenario(ctx context.Context, s settings, sc *scenario.Scenario, collector *metrics.Collector, logger logging.StructuredLogger) (scenario.Result, error) {
	eng := loopback.New(loopback.WithAutoConfirm(), loopback.WithLogger(logger))

	cfg := coordinator.DefaultConfig()
	cfg.MaxOutgoing = s.MaxOutgoing
	cfg.DefaultDomain = s.DefaultDomain
	cfg.HistorySize = s.HistorySize
	cfg.RecordingsDir = s.RecordingsDir
	cfg.Engine = eng
	cfg.Logger = logger
	cfg.Metrics = collector
	cfg.Observers = []coordinator.Observer{notificationLogger(logger.WithComponent("notifications"))}

	coord, err := coordinator.New(cfg)
	if err != nil {
		return scenario.Result{}, err
	}
	eng.SetSink(coord)

	res, runErr := scenario.NewRunner(coord, eng, logger).Run(ctx, sc)

	st := coord.Stats()
	logger.Debug(ctx, "scenario finished",
		logging.String("scenario", sc.Name),
		logging.Int("sessions", st.Sessions),
		logging.Int("outgoing", st.Outgoing),
		logging.Int("conferences", st.Conferences),
		logging.Int("pending_deliveries", st.PendingDeliveries),
	)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := coord.Close(closeCtx); err != nil {
		logger.LogError(ctx, err, "coordinator close failed")
	}
	return res, runErr
}

// notificationLogger пишет уведомления наблюдателя в журнал
func notificationLogger(logger logging.StructuredLogger) coordinator.Observer {
	ctx := context.Background()
	return coordinator.ObserverFuncs{
		OnStatus: func(n session.StatusChanged) {
			logger.Info(ctx, "status changed",
				logging.String("session_id", n.SessionID),
				logging.String("state", n.Status.State.String()),
				logging.String("code", string(n.Status.Code)),
				logging.String("text", n.Status.Text),
			)
		},
		OnProgress: func(n session.ProgressChanged) {
			logger.Info(ctx, "transfer progress",
				logging.String("session_id", n.SessionID),
				logging.String("stream_id", n.StreamID),
				logging.String("phase", string(n.Progress.Phase)),
				logging.Int("percent", n.Progress.Percent),
			)
		},
		OnEncryption: func(n session.EncryptionChanged) {
			method := "none"
			if n.Descriptor != nil {
				method = n.Descriptor.Method.String()
			}
			logger.Info(ctx, "encryption changed",
				logging.String("session_id", n.SessionID),
				logging.String("stream_id", n.StreamID),
				logging.String("method", method),
			)
		},
		OnRecording: func(n session.RecordingStateChanged) {
			logger.Info(ctx, "recording changed",
				logging.String("session_id", n.SessionID),
				logging.Bool("recording", n.Recording),
				logging.String("path", n.Path),
			)
		},
		OnTransfer: func(n session.CallTransferChanged) {
			logger.Info(ctx, "call transfer changed",
				logging.String("session_id", n.SessionID),
				logging.String("state", string(n.Transfer.State)),
				logging.String("target", n.Transfer.Target),
			)
		},
		OnConference: func(c coordinator.ConferenceChange) {
			logger.Info(ctx, "conference changed",
				logging.String("group_id", c.GroupID),
				logging.Any("members", c.Members),
				logging.Bool("dissolved", c.Dissolved),
			)
		},
	}
}

// serveMetrics поднимает /metrics и возвращает фактический адрес;
// stop останавливает сервер
func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector, logger logging.StructuredLogger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(ctx, err, "metrics server stopped")
		}
	}()
	logger.Info(ctx, "serving metrics", logging.String("addr", ln.Addr().String()))

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return ln.Addr().String(), stop, nil
}
