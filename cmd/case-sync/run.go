package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"case-sync/cms"
	"case-sync/rts"
	"case-sync/statusserver"
	"case-sync/syncer"
)

var (
	runOnce         bool
	runPollInterval time.Duration
	runStatusAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync loop",
	Long: `Run the sync loop: an RTS pass, then a CMS pass, then sleep until the next
poll. Credentials come from the environment (RTS_HOST, RTS_COMPANY_ID,
RTS_PUBLIC_KEY, RTS_PRIVATE_KEY, RTS_CLIENT_ID, CMS_HOST, CMS_USER,
CMS_API_KEY), optionally loaded from --env-file.`,
	RunE: runSync,
}

func init() {
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run one cycle and exit")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 0, "Polling interval (overrides config polling_interval_minutes)")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Serve /healthz, /status and /metrics on this address (overrides config status_server.addr)")
}

func runSync(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadFileConfig(cmd)
	if err != nil {
		return err
	}
	pollInterval := fileCfg.PollInterval()
	if cmd.Flags().Changed("poll-interval") {
		pollInterval = runPollInterval
	}
	statusAddr := fileCfg.StatusServer.Addr
	if cmd.Flags().Changed("status-addr") {
		statusAddr = runStatusAddr
	}
	if err := fileCfg.Validate(); err != nil {
		return err
	}

	log, err := syncer.NewLogger(fileCfg.Debug, fileCfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	err = runWithLogger(cmd.Context(), fileCfg, pollInterval, statusAddr, log)
	if err != nil {
		log.Error("fatal error", zap.Error(err), zap.Stack("stack"))
	}
	return err
}

func runWithLogger(parent context.Context, fileCfg *syncer.FileConfig, pollInterval time.Duration, statusAddr string, log *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secrets, err := syncer.LoadSecrets(envFile)
	if err != nil {
		return err
	}
	recCfg, err := fileCfg.ReconcilerConfig()
	if err != nil {
		return err
	}

	store, err := openStore(fileCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	checkpoints, closeCheckpoints, err := checkpointStore(fileCfg, store)
	if err != nil {
		return err
	}
	defer closeCheckpoints()

	if _, err := syncer.ImportLegacyCheckpoints(ctx, fileCfg.DataDir, checkpoints, log); err != nil {
		return err
	}

	tickets := rts.New(rts.Config{
		Host:               secrets.RTSHost,
		CompanyID:          secrets.RTSCompanyID,
		PublicKey:          secrets.RTSPublicKey,
		PrivateKey:         secrets.RTSPrivateKey,
		ClientID:           secrets.RTSClientID,
		Codebase:           fileCfg.RTS.Codebase,
		DefaultCompany:     fileCfg.Ticket.DefaultCompany,
		AvoidCompanyLookup: fileCfg.Ticket.AvoidCompanyLookup,
		DefaultBoard:       fileCfg.Ticket.DefaultBoard,
		AvoidBoardLookup:   fileCfg.Ticket.AvoidBoardLookup,
		TenantMap:          fileCfg.TenantMap,
		Timeout:            fileCfg.RTS.Timeout,
		RequestsPerSecond:  fileCfg.RTS.RequestsPerSecond,
		MaxRetryElapsed:    fileCfg.RTS.MaxRetryElapsed,
		Logger:             log,
	})
	if err := tickets.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &syncer.ConnectivityError{System: syncer.SourceRTS, Err: err}
	}
	cases := cms.New(cms.Config{
		Host:              secrets.CMSHost,
		User:              secrets.CMSUser,
		APIKey:            secrets.CMSAPIKey,
		Timeout:           fileCfg.CMS.Timeout,
		RequestsPerSecond: fileCfg.CMS.RequestsPerSecond,
		MaxRetryElapsed:   fileCfg.CMS.MaxRetryElapsed,
		Logger:            log,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	runner, err := syncer.NewRunner(syncer.RunnerConfig{
		PollInterval: pollInterval,
		Reconciler:   recCfg,
	}, syncer.Deps{
		Tickets:     tickets,
		Cases:       cases,
		Links:       store,
		Checkpoints: checkpoints,
		Logger:      log,
		Metrics:     syncer.NewMetrics(reg),
	})
	if err != nil {
		return err
	}

	log.Info("sync loop starting",
		zap.Duration("poll_interval", pollInterval),
		zap.Bool("once", runOnce),
		zap.String("database", fileCfg.Database.Path),
		zap.String("checkpoint_backend", fileCfg.CheckpointStore.Backend))

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopServer := context.WithCancel(gctx)
	g.Go(func() error {
		defer stopServer()
		return runner.Run(gctx, runOnce)
	})
	if statusAddr != "" {
		srv := statusserver.New(runner, reg, log)
		g.Go(func() error {
			return srv.Serve(loopCtx, statusAddr)
		})
	}
	return g.Wait()
}
