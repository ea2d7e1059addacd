// Command tlogd runs one transaction-log process: it recovers a single group's state from its
// configured Persistent Store and Durable Queue backends, then drives the commit/queue-commit/
// spill/peek/pop/lock surfaces through the Group Multiplexer (spec §5 "Scheduling model": one
// long-lived cooperative task per component, launched here via a bounded tlog.TaskRunner rather
// than an unbounded goroutine-per-request).
package main

import (
	"context"
	"flag"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/cache"
	"github.com/sharedcode/tlog/internal/adminserver"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/group"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/peek"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/queuecommitter"
	"github.com/sharedcode/tlog/internal/spiller"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON config file overlaying the defaults")
		groupIDStr = flag.String("group-id", "", "UUID of the single group this process hosts")
		psBackend  = flag.String("ps-backend", "fs", "persistent store backend: fs, cassandra, or s3")
		psPath     = flag.String("ps-path", "tlog-ps.snapshot", "FSStore snapshot file path (ps-backend=fs)")
		dqPath     = flag.String("dq-path", "tlog-dq.log", "Durable Queue file path")
		adminAddr  = flag.String("admin-addr", "localhost:8090", "admin HTTP listen address")
		oktaDomain = flag.String("okta-domain", os.Getenv("OKTA_DOMAIN"), "Okta authorization server domain")
		oktaCID    = flag.String("okta-client-id", os.Getenv("OKTA_CLIENT_ID"), "Okta client id to validate access tokens against")
	)
	flag.Parse()

	cfg := tlog.DefaultConfig()
	if *configPath != "" {
		loaded, err := tlog.LoadConfig(*configPath)
		if err != nil {
			log.Error("tlogd: failed loading config", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	groupID := tlog.NewUUID()
	if *groupIDStr != "" {
		var err error
		groupID, err = tlog.ParseUUID(*groupIDStr)
		if err != nil {
			log.Error("tlogd: invalid -group-id", "err", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, *psBackend, *psPath, cfg)
	if err != nil {
		log.Error("tlogd: failed opening persistent store", "backend", *psBackend, "err", err)
		os.Exit(1)
	}
	queue, err := dq.Open(*dqPath)
	if err != nil {
		log.Error("tlogd: failed opening durable queue", "path", *dqPath, "err", err)
		os.Exit(1)
	}

	// UpdatePersistentData reads its group off the generation it's passed, so this spiller can
	// serve as the inline-spill callback before lifecycle.Recover has returned the Group it
	// will otherwise run against.
	sp := spiller.New(nil, cfg)
	grp, err := lifecycle.Recover(ctx, groupID, store, queue, cfg, sp.UpdatePersistentData)
	if err != nil {
		log.Error("tlogd: recovery failed", "group_id", groupID.String(), "err", err)
		os.Exit(1)
	}
	sp = spiller.New(grp, cfg)

	tracker := newPeekTracker(cfg)
	mux, err := group.New(cfg, tracker)
	if err != nil {
		log.Error("tlogd: failed constructing group multiplexer", "err", err)
		os.Exit(1)
	}
	mux.AddGroup(grp)

	admin := adminserver.New(mux, adminserver.OktaConfig{
		Domain:   *oktaDomain,
		Audience: "api://default",
		ClientID: *oktaCID,
	})

	runner := tlog.NewTaskRunner(ctx, 6)
	runner.Go(func() error { return mux.Run(runner.GetContext()) })
	runner.Go(func() error { return queuecommitter.New(grp, cfg).Run(runner.GetContext()) })
	runner.Go(func() error { return sp.Run(runner.GetContext()) })
	runner.Go(func() error {
		if err := admin.Run(*adminAddr); err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	if err := runner.Wait(); err != nil && ctx.Err() == nil {
		log.Error("tlogd: a core task exited with an error", "err", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, backend, fsPath string, cfg tlog.Config) (ps.Store, error) {
	switch backend {
	case "fs":
		return ps.OpenFS(fsPath)
	case "cassandra":
		return ps.OpenCassandra(ctx, cfg.CassandraHosts, "tlog_rows")
	case "s3":
		return ps.OpenS3(ctx, cfg.S3Bucket, "tlog/", "us-east-1", ps.S3Credentials{})
	default:
		return nil, fmt.Errorf("tlogd: unknown -ps-backend %q", backend)
	}
}

func newPeekTracker(cfg tlog.Config) peek.Tracker {
	if cfg.RedisOptions.Address == "" {
		return peek.NewMemTracker(cfg.PeekTrackerExpiration)
	}
	conn := cache.NewClient(cfg.RedisOptions)
	return peek.NewRedisTracker(conn, cfg.PeekTrackerExpiration)
}
