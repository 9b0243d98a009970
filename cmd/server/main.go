// Command server runs the identifier service: the HTTP API and resolver, the
// registrar queue workers, and the link checker, all sharing one database.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"pidserv/internal/dispatch"
	"pidserv/internal/linkcheck"
	"pidserv/internal/locker"
	"pidserv/internal/minter"
	"pidserv/internal/platform/config"
	"pidserv/internal/platform/httpserver"
	"pidserv/internal/platform/logger"
	"pidserv/internal/platform/metrics"
	platformredis "pidserv/internal/platform/redis"
	"pidserv/internal/queue"
	"pidserv/internal/register"
	"pidserv/internal/store"
	httptransport "pidserv/internal/transport/http"
	"pidserv/pkg/sentinel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	st := store.NewSQLStore(db)
	if err := seedAdmin(ctx, st, cfg.Admin); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	adapters := map[queue.Registrar]register.Adapter{}
	if cfg.Binder.Enabled {
		adapters[queue.Binder] = register.NewBinder(cfg.Binder)
	}
	if cfg.DataCite.Enabled {
		adapters[queue.DataCite] = register.NewDataCite(cfg.DataCite)
	}
	if cfg.Crossref.Enabled {
		adapters[queue.Crossref] = register.NewCrossref(cfg.Crossref)
	}

	enabled := map[queue.Registrar]bool{}
	var depths []dispatch.DepthReporter
	for r := range adapters {
		enabled[r] = true
		depths = append(depths, queue.NewSQLQueue(db, r))
	}

	svc := dispatch.New(st,
		minter.New(minter.NewSQLStore(db), log),
		locker.New(cfg.MaxConcurrentOps, cfg.MaxThreads),
		m, log,
		dispatch.Options{
			Enabled:          enabled,
			Depths:           depths,
			TargetCache:      dispatch.NewTargetCache(redisClient, cfg.Redis.TargetTTL),
			ShoulderCacheTTL: cfg.ShoulderCacheTTL,
		})

	router := httptransport.NewRouter(
		httptransport.NewHandler(svc, log),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := httpserver.New(cfg.ListenAddr, router)

	g, ctx := errgroup.WithContext(ctx)
	for r, a := range adapters {
		w := register.NewWorker(queue.NewSQLQueue(db, r), a, cfg.Worker, m, log)
		if r == queue.Crossref {
			w = w.WithRecorder(register.NewCrossrefStatusRecorder(st, log))
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	if cfg.LinkChecker.Enabled {
		checker := linkcheck.New(db, cfg.LinkChecker, m, log)
		g.Go(func() error { return checker.Run(ctx) })
	}
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openDatabase picks the driver from the URL scheme. Anything that is not
// postgres is treated as a sqlite path, which keeps single-node deployments
// dependency-free.
func openDatabase(url string) (*sql.DB, error) {
	if url == "" {
		return nil, errors.New("database_url is required")
	}
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// seedAdmin creates the bootstrap administrator account on first start. An
// existing account is left untouched so password changes survive restarts.
func seedAdmin(ctx context.Context, st store.Store, cfg config.AdminConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}
	if err := st.CreateGroup(ctx, &store.Group{Name: "admin"}); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	err = st.CreateUser(ctx, &store.User{
		Username:     cfg.Username,
		Group:        "admin",
		PasswordHash: string(hash),
		IsAdmin:      true,
	})
	if err != nil && !errors.Is(err, sentinel.ErrAlreadyExists) {
		return err
	}
	return nil
}
