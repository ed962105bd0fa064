// revbrokerd is the review broker daemon. It owns the SQLite store, the
// reviewer worker pool, and the broker service actor, and exposes the
// operations over MCP stdio and an optional HTTP transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/revbroker/internal/actorutil"
	"github.com/roasbeef/revbroker/internal/baselib/actor"
	"github.com/roasbeef/revbroker/internal/build"
	"github.com/roasbeef/revbroker/internal/config"
	"github.com/roasbeef/revbroker/internal/db"
	"github.com/roasbeef/revbroker/internal/mcp"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/pool"
	"github.com/roasbeef/revbroker/internal/review"
	"github.com/roasbeef/revbroker/internal/store"
	"github.com/roasbeef/revbroker/internal/web"
)

// log is the daemon's own logger, set up in setupLogging.
var log = btclogv2.Disabled

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "revbrokerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbFlag   = flag.String("db", "", "Path to SQLite database (default: BROKER_DB_PATH or the per-user config dir)")
		port     = flag.Int("port", 8000, "Web transport port (0 disables)")
		webOnly  = flag.Bool("web-only", false, "Serve HTTP only, no MCP stdio")
		logLevel = flag.String("loglevel", "", "Log level (default: BROKER_LOG_LEVEL or info)")
	)
	flag.Parse()

	dbPath := *dbFlag
	if dbPath == "" {
		var err error
		dbPath, err = config.DBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	logDir := filepath.Join(filepath.Dir(dbPath), "logs")
	logWriter, err := setupLogging(logDir, *logLevel)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	log.Infof("revbrokerd version %s starting", build.Version())

	// Open the store and bring the schema current before anything else
	// touches it.
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := database.MigrateUp(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	log.Infof("Database ready at %s", dbPath)

	st := store.NewSQLStore(database)
	bus := notify.NewBus()

	repoRoot, err := config.RepoRoot()
	if err != nil {
		return fmt.Errorf("resolve repo root: %w", err)
	}

	// The pool is optional: a repo without a reviewer_pool section runs
	// the broker with spawns refused.
	poolCfgPath, err := config.PoolConfigPath()
	if err != nil {
		return fmt.Errorf("resolve pool config path: %w", err)
	}
	poolCfg, err := pool.LoadConfig(poolCfgPath)
	if err != nil {
		return fmt.Errorf("load pool config: %w", err)
	}
	if poolCfg == nil {
		log.Infof("No reviewer_pool section at %s, pool disabled",
			poolCfgPath)
	}
	applyPromptOverride(poolCfg, config.PromptTemplatePath())

	workerLogMax, workerLogBackups := config.ReviewerLogRotation()
	mgr := pool.NewManager(pool.ManagerConfig{
		Config:      poolCfg,
		Store:       st,
		RepoRoot:    repoRoot,
		LogDir:      logDir,
		LogMaxBytes: workerLogMax,
		LogBackups:  workerLogBackups,
	})
	log.Infof("Pool session token %s", mgr.SessionToken())

	svc := review.NewService(review.ServiceConfig{
		Store:    st,
		Bus:      bus,
		Pool:     mgr,
		RepoRoot: repoRoot,
	})

	// Every operation funnels through the broker actor so lifecycle
	// transitions and reaper sweeps never race each other.
	actorSystem := actor.NewActorSystem()
	defer actorSystem.Shutdown(context.Background())

	brokerRef := actor.RegisterWithSystem(
		actorSystem, "review-broker", review.BrokerServiceKey, svc,
	)

	// Startup sweep: terminate reviewers from prior daemon runs, requeue
	// orphaned claims, then run one scaling pass.
	recoverResp, err := actorutil.AskAwaitTyped[
		review.BrokerRequest, review.BrokerResponse, review.RecoverResp,
	](ctx, brokerRef, review.RecoverMsg{})
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recoverResp.Error != nil {
		return fmt.Errorf("startup recovery: %w", recoverResp.Error)
	}
	log.InfoS(ctx, "Startup recovery complete",
		"stale_reviewers", recoverResp.StaleReviewers,
		"reclaimed_claims", recoverResp.ReclaimedClaims)

	// Signal handling for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received %v, shutting down", sig)
		cancel()
	}()

	// Background reaper cadence: the ticker only sends a message, the
	// sweeps themselves run serialized inside the actor.
	if mgr.Enabled() {
		interval := mgr.Config().CheckInterval()
		go runReaperLoop(ctx, brokerRef, interval)
		log.Infof("Reaper ticking every %v", interval)
	}

	// HTTP transport.
	if *port != 0 {
		addr := net.JoinHostPort(config.Host(), strconv.Itoa(*port))
		webServer, err := web.NewServer(&web.Config{
			Addr:      addr,
			Service:   svc,
			BrokerRef: brokerRef,
			Bus:       bus,
		})
		if err != nil {
			return fmt.Errorf("create web server: %w", err)
		}

		go func() {
			log.Infof("Web transport listening on %s", addr)
			err := webServer.Start()
			if err != nil && err != http.ErrServerClosed {
				log.Errorf("Web server error: %v", err)
				cancel()
			}
		}()

		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(
				context.Background(), 5*time.Second,
			)
			defer shutdownCancel()
			if err := webServer.Shutdown(shutdownCtx); err != nil {
				log.Warnf("Web shutdown: %v", err)
			}
		}()
	}

	// MCP stdio transport is the primary surface: block on it unless the
	// daemon runs web-only.
	if *webOnly {
		log.Infof("Running web-only, no MCP stdio")
		<-ctx.Done()
	} else {
		mcpServer := mcp.NewServerWithConfig(mcp.Config{
			Service:   svc,
			Bus:       bus,
			BrokerRef: brokerRef,
		})

		log.Infof("MCP server on stdio")
		err := mcpServer.Run(ctx, &sdkmcp.StdioTransport{})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp server: %w", err)
		}
	}

	// Teardown order matters: the actor system drains first so no
	// operation runs against a closed pool or store.
	actorSystem.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), 30*time.Second,
	)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)

	log.Infof("revbrokerd stopped")

	return nil
}

// applyPromptOverride forces the reviewer prompt template path from the
// environment onto the pool config. The env var wins over the config file's
// prompt_template_path.
func applyPromptOverride(cfg *pool.Config, path string) {
	if cfg == nil || path == "" {
		return
	}

	cfg.PromptTemplatePath = path
}

// runReaperLoop sends a maintenance tick to the broker actor on a fixed
// cadence until the daemon context ends.
func runReaperLoop(ctx context.Context, ref review.BrokerActorRef,
	interval time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			ref.Tell(ctx, review.ReaperTickMsg{})
		}
	}
}

// setupLogging wires every package logger to a handler set fanning out to
// stderr and a rotating file under logDir. MCP owns stdout, so console
// logging stays on stderr.
func setupLogging(logDir, levelOverride string) (*build.RotatingLogWriter,
	error) {

	logWriter := build.NewRotatingLogWriter()

	maxBytes, backups := config.BrokerLogRotation()
	rotCfg := build.DefaultLogRotatorConfig()
	rotCfg.LogDir = logDir
	rotCfg.MaxLogFiles = backups
	if mb := int(maxBytes / (1024 * 1024)); mb > 0 {
		rotCfg.MaxLogFileSize = mb
	}
	if err := logWriter.InitLogRotator(rotCfg); err != nil {
		return nil, fmt.Errorf("init log rotator: %w", err)
	}

	handlers := build.NewHandlerSet(
		btclogv2.NewDefaultHandler(os.Stderr),
		btclogv2.NewDefaultHandler(logWriter),
	)

	levelStr := levelOverride
	if levelStr == "" {
		levelStr = config.LogLevel()
	}
	if level, ok := btclog.LevelFromString(levelStr); ok {
		handlers.SetLevel(level)
	} else {
		handlers.SetLevel(btclog.LevelInfo)
	}

	log = handlers.SubLogger("RVBD")
	db.UseLogger(handlers.SubLogger("SQLD"))
	store.UseLogger(handlers.SubLogger("STOR"))
	notify.UseLogger(handlers.SubLogger("NTFY"))
	review.UseLogger(handlers.SubLogger("REVW"))
	pool.UseLogger(handlers.SubLogger("POOL"))
	mcp.UseLogger(handlers.SubLogger("MCPS"))
	web.UseLogger(handlers.SubLogger("WEBS"))
	actor.UseLogger(handlers.SubLogger("ACTR"))

	return logWriter, nil
}
