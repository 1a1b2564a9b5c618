// Copyright 2025 The mailsort Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The mailsort command labels GMail messages by date, sender, and
// keyword rules.  By default it runs one sorting pass over recent mail
// and exits; with --monitor it then watches the mailbox and labels new
// mail as change notifications arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tmcfarlane/mailsort/internal/apply"
	"github.com/tmcfarlane/mailsort/internal/catalog"
	"github.com/tmcfarlane/mailsort/internal/config"
	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/gmailhttp"
	"github.com/tmcfarlane/mailsort/internal/history"
	"github.com/tmcfarlane/mailsort/internal/homedir"
	"github.com/tmcfarlane/mailsort/internal/persist"
	"github.com/tmcfarlane/mailsort/internal/pubsub"
	"github.com/tmcfarlane/mailsort/internal/retry"
	ms "github.com/tmcfarlane/mailsort/internal/sync"
	"github.com/tmcfarlane/mailsort/internal/tracehttp"
	"github.com/tmcfarlane/mailsort/internal/watch"

	_ "github.com/mattn/go-sqlite3"
)

var (
	flagMonitor     = flag.Bool("monitor", false, "keep running and label new mail as it arrives")
	flagMaxMessages = flag.Int("max-messages", 100, "most messages the initial sorting pass touches (0 = unbounded)")
	flagVerbose     = flag.Bool("verbose", false, "debug logging")
	flagTrace       = flag.Bool("trace", false, "dump HTTP request/response traffic")
	flagConfig      = flag.String("config", "", "rule configuration file (default ~/.config/mailsort/config.yaml)")
	flagDB          = flag.String("db", "", "state database file (default ~/.mailsort.db)")
	flagStopWatch   = flag.Bool("stop-watch-on-exit", false, "stop the mailbox watch when exiting monitor mode")
)

func configPath() string {
	if *flagConfig != "" {
		return *flagConfig
	}
	return filepath.Join(homedir.Get(), ".config", "mailsort", "config.yaml")
}

func dbPath() string {
	if *flagDB != "" {
		return *flagDB
	}
	return filepath.Join(homedir.Get(), ".mailsort.db")
}

// requireEnv fetches a monitor-mode environment variable.
func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", errors.Errorf("monitor mode needs %s set", name)
	}
	return v, nil
}

func run(ctx context.Context, log *slog.Logger) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return errors.Wrap(err, "loading rule configuration")
	}

	db, err := persist.Open(ctx, dbPath())
	if err != nil {
		return errors.Wrap(err, "opening state database")
	}
	defer db.Close()

	client, err := gmailhttp.New(ctx)
	if err != nil {
		return errors.Wrap(err, "initializing authenticated HTTP client")
	}
	svc, err := gmail.New(ctx, client)
	if err != nil {
		return errors.Wrap(err, "initializing GMail service")
	}

	loop := &ms.Loop{
		History: &history.Engine{Lister: svc, Policy: retry.Default, Log: log},
		Storage: svc,
		Cursor:  db,
		Labels:  catalog.New(svc),
		Applier: &apply.Executor{
			Modifier:    svc,
			Policy:      retry.Default,
			Log:         log,
			MaxChunk:    cfg.MaxChunk,
			Concurrency: 2,
		},
		Rules:       cfg,
		Policy:      retry.Default,
		Log:         log,
		MaxMessages: cfg.MaxBatch,
	}

	// Sort what is already there before tailing changes.
	if err := loop.RunOnce(ctx, *flagMaxMessages); err != nil {
		return errors.Wrap(err, "sorting existing mail")
	}
	if !*flagMonitor {
		return nil
	}
	return monitor(ctx, log, loop, db, svc, client)
}

// monitor tails mailbox changes until the context ends: a watch
// manager keeps the Pub/Sub subscription alive while the intake loop
// consumes its notifications.
func monitor(ctx context.Context, log *slog.Logger, loop *ms.Loop, db *persist.DB, svc *gmail.Service, client *http.Client) error {
	project, err := requireEnv("GOOGLE_CLOUD_PROJECT")
	if err != nil {
		return err
	}
	topic, err := requireEnv("PUBSUB_TOPIC")
	if err != nil {
		return err
	}
	subscription, err := requireEnv("PUBSUB_SUBSCRIPTION")
	if err != nil {
		return err
	}

	source, err := pubsub.New(ctx, client, pubsub.Subscription(project, subscription), log)
	if err != nil {
		return errors.Wrap(err, "initializing notification source")
	}

	mgr := &watch.Manager{
		API:    svc,
		Store:  db,
		Topic:  pubsub.Topic(project, topic),
		Policy: retry.Default,
		Log:    log,
	}
	if err := mgr.Establish(ctx); err != nil {
		return errors.Wrap(err, "establishing mailbox watch")
	}
	if *flagStopWatch {
		defer func() {
			// The run context is already done here.
			if err := svc.StopWatch(context.Background()); err != nil {
				log.Warn("stopping mailbox watch failed", "error", err)
			}
		}()
	}

	loop.Source = source
	loop.Leases = mgr.Leases()

	log.Info("monitoring mailbox", "topic", mgr.Topic)
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return mgr.Run(ctx) })
	grp.Go(func() error { return loop.Run(ctx) })
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	flag.Parse()

	// Optional; absence of a .env file is the common case.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if *flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *flagTrace {
		tracehttp.WrapDefaultTransport(log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		fmt.Fprintf(os.Stderr, "mailsort: %v\n", err)
		os.Exit(1)
	}
}
