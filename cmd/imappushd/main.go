// Command imappushd watches IMAP folders with IDLE and archives new messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/imappush"
	"github.com/emersion/go-imappush/imapstore"
	"github.com/emersion/go-imappush/internal/archive"
	"github.com/emersion/go-imappush/internal/config"
	"github.com/emersion/go-imappush/internal/oauth"
	"github.com/emersion/go-imappush/internal/statedb"
)

const version = "0.1.0"

var (
	configPath string
	logLevel   string
	debug      bool
)

// initLogger returns a JSON logger filtered to the given level.
func initLogger(loglevel string) log.Logger {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	return logger
}

func main() {
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&logLevel, "loglevel", "", "Log level, overrides log_level from the configuration")
	flag.BoolVar(&debug, "debug", false, "Print all commands and responses")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := initLogger(logLevel)

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "imappushd failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := cfg.StateDB
	if dbPath == "" {
		dbPath = "imappushd.db"
	}
	db, err := statedb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var arch *archive.Archive
	if cfg.Archive.Bucket != "" {
		arch, err = archive.New(ctx, &cfg.Archive)
		if err != nil {
			return err
		}
	}

	metrics := imappush.NewDiscardMetrics()
	if cfg.MetricsAddr != "" {
		metrics = imappush.NewPrometheusMetrics("imappushd")
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, logger, cfg.MetricsAddr)
		})
	}

	refresh := make(chan os.Signal, 1)
	signal.Notify(refresh, syscall.SIGUSR1)
	defer signal.Stop(refresh)

	var managers []*imappush.Manager
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		m, err := startAccount(ctx, g, acc, db, arch, cfg.Archive.MaxSize, metrics, logger)
		if err != nil {
			return err
		}
		managers = append(managers, m)
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-refresh:
				level.Info(logger).Log("msg", "refreshing all pushers")
				for _, m := range managers {
					m.Refresh()
				}
			}
		}
	})

	level.Info(logger).Log("msg", "imappushd started", "version", version, "accounts", len(cfg.Accounts))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	level.Info(logger).Log("msg", "imappushd stopped")
	return nil
}

func startAccount(ctx context.Context, g *errgroup.Group, acc *config.Account, db *statedb.DB, arch *archive.Archive, maxSize int64, metrics *imappush.Metrics, logger log.Logger) (*imappush.Manager, error) {
	settings, err := acc.Settings()
	if err != nil {
		return nil, err
	}
	settings.MaxAutoDownloadSize = maxSize

	logger = log.With(logger, "account", acc.Name)
	options := &imapclient.Options{
		Logger:     logger,
		ClientInfo: &imapclient.ClientInfo{Name: "imappushd", Version: version},
	}
	if debug {
		options.DebugWriter = os.Stderr
	}
	if settings.AuthType == imap.AuthXOAuth2 {
		options.TokenProvider = oauth.NewProvider(oauth.EnvSource(acc.TokenEnv))
	}

	store := imapstore.New(settings, options)
	recv := newReceiver(acc.Name, store, db, arch, logger)
	m := imappush.NewManager(store, recv, &imappush.Options{Logger: logger, Metrics: metrics})

	g.Go(func() error {
		return recv.runArchiver(ctx)
	})
	g.Go(func() error {
		m.Watch(acc.Folders)
		<-ctx.Done()

		err := m.Stop()
		store.Close()
		if err != nil {
			level.Warn(logger).Log("msg", "push stopped with error", "err", err)
		}
		return nil
	})
	return m, nil
}

func serveMetrics(ctx context.Context, logger log.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve prometheus metrics: %w", err)
	}
	return nil
}
