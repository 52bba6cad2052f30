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

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"chronicle/collab/internal/app"
	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/directory"
	"chronicle/collab/internal/documents"
	"chronicle/collab/internal/email"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/replica"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/session"
	"chronicle/collab/internal/store"
)

const usage = `Collaborative document sync server.

Backends: http, postgres, bolt, s3. Directories: http, postgres.
Everything else is configured through COLLAB_* environment variables.

Usage:
    collab serve [--addr=<addr>] [--backend=<kind>] [--directory=<kind>]
    collab token --user=<id> [--ttl=<ttl>]
    collab user --user=<id> [--first=<name>] [--last=<name>] [--avatar=<url>] [--role=<role>]
    collab -h | --help

Options:
    -h --help              Show this screen.
    --addr=<addr>          Listen address, overrides COLLAB_ADDR.
    --backend=<kind>       Document backend, overrides COLLAB_BACKEND.
    --directory=<kind>     User directory, overrides COLLAB_DIRECTORY.
    --user=<id>            User id to issue a token for or to add to the directory.
    --ttl=<ttl>            Token lifetime [default: 24h].
    --first=<name>         First name of a directory user.
    --last=<name>          Last name of a directory user.
    --avatar=<url>         Avatar URL of a directory user.
    --role=<role>          Role of a directory user, "viewer" is read-only [default: editor].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		panic(err)
	}

	cfg := config.Load()
	flag.Set("logtostderr", "true")
	flag.Set("v", cfg.LogVerbosity)
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	if token_, _ := opts.Bool("token"); token_ {
		issueToken(cfg, opts)
		return
	}
	if user_, _ := opts.Bool("user"); user_ {
		if err := upsertUser(cfg, opts); err != nil {
			glog.Exitf("collab: %v", err)
		}
		return
	}
	if serve_, _ := opts.Bool("serve"); serve_ {
		if addr, _ := opts.String("--addr"); addr != "" {
			cfg.Addr = addr
		}
		if backend, _ := opts.String("--backend"); backend != "" {
			cfg.Backend = strings.ToLower(backend)
		}
		if dir, _ := opts.String("--directory"); dir != "" {
			cfg.Directory = strings.ToLower(dir)
		}
		if err := serve(cfg); err != nil {
			glog.Exitf("collab: %v", err)
		}
	}
}

func issueToken(cfg config.Config, opts docopt.Opts) {
	userID, _ := opts.String("--user")
	ttlText, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlText)
	if err != nil {
		glog.Exitf("invalid --ttl %q: %v", ttlText, err)
	}
	token, err := auth.IssueToken([]byte(cfg.JWTSecret), userID, ttl)
	if err != nil {
		glog.Exitf("issue token: %v", err)
	}
	fmt.Println(token)
}

// upsertUser adds or updates a user in the Postgres directory.
func upsertUser(cfg config.Config, opts docopt.Opts) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	user := directory.User{}
	user.ID, _ = opts.String("--user")
	user.FirstName, _ = opts.String("--first")
	user.LastName, _ = opts.String("--last")
	user.AvatarURL, _ = opts.String("--avatar")
	user.Role, _ = opts.String("--role")
	if err := store.NewPostgresStore(db).UpsertUser(ctx, user); err != nil {
		return err
	}
	glog.Infof("directory user %s saved with role %s", user.ID, user.Role)
	return nil
}

type closer func()

func serve(cfg config.Config) error {
	ctx := context.Background()
	var cleanup []closer
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	checks := map[string]app.Check{}

	var pg *store.PostgresStore
	if cfg.Backend == "postgres" || cfg.Directory == "postgres" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, func() { _ = db.Close() })
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		pg = store.NewPostgresStore(db)
		checks["postgres"] = pg.Ping
	}

	var docs documents.Client
	switch cfg.Backend {
	case "http":
		docs = documents.NewHTTPClient(cfg.DocumentsURL, cfg.ServiceToken, cfg.CallTimeout)
	case "postgres":
		docs = pg
	case "bolt":
		bolt, err := documents.OpenBoltStore(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("open bolt store: %w", err)
		}
		cleanup = append(cleanup, func() { _ = bolt.Close() })
		docs = bolt
	case "s3":
		s3, err := documents.NewS3Store(ctx, documents.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("open s3 store: %w", err)
		}
		docs = s3
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	glog.Infof("document backend: %s", cfg.Backend)

	var users directory.Client
	switch cfg.Directory {
	case "http":
		users = directory.NewHTTPClient(cfg.UsersURL, cfg.ServiceToken, cfg.CallTimeout)
	case "postgres":
		users = pg
	default:
		return fmt.Errorf("unknown directory %q", cfg.Directory)
	}

	scheduler := collab.NewScheduler(docs, collab.SchedulerConfig{
		Debounce:     cfg.Debounce,
		MaxDebounce:  cfg.MaxDebounce,
		Attempts:     cfg.FlushAttempts,
		RetryInitial: cfg.FlushRetryInitial,
		RetryMax:     cfg.FlushRetryMax,
		AlertAfter:   cfg.AlertAfter,
		CallTimeout:  cfg.CallTimeout,
	})
	authenticator := collab.NewAuthenticator(auth.NewVerifier(cfg.JWTSecret), users, cfg.AuthTimeout)
	manager := collab.NewManager(collab.ManagerConfig{
		LoadTimeout: cfg.LoadTimeout,
		CallTimeout: cfg.CallTimeout,
	}, authenticator, docs, replica.NewStore(), scheduler)

	httpServer := app.NewHTTPServer(manager, app.ServerConfig{
		ServiceToken: cfg.ServiceToken,
		CORSOrigin:   cfg.CORSOrigin,
		AuthTimeout:  cfg.AuthTimeout,
	})

	if strings.TrimSpace(cfg.RedisURL) != "" {
		glog.Infof("using Redis for presence and flush notices")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		cleanup = append(cleanup, func() { _ = redisStore.Close() })
		manager.UsePresenceRegistry(redisStore)
		scheduler.OnFlush(redisStore)
		checks["redis"] = redisStore.Ping
	}

	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			return fmt.Errorf("failed to create repos dir: %w", err)
		}
		history := gitrepo.New(cfg.ReposDir)
		scheduler.OnFlush(history)
		httpServer.UseHistory(history)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		cleanup = append(cleanup, meiliClient.Close)
	}
	var pgfts *search.PgFTS
	if cfg.Backend == "postgres" {
		pgfts = search.NewPgFTS(pg.DB())
	}
	if meiliClient != nil || pgfts != nil {
		searchService := search.NewService(meiliClient, pgfts)
		scheduler.OnFlush(searchService)
		httpServer.UseSearch(searchService)
		if meiliClient != nil && pgfts != nil {
			go searchService.ReindexAllFromPG(context.Background(), pgfts)
		}
	}

	alerter := email.NewAlerter(email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}), cfg.AlertEmail)
	if alerter.Enabled() {
		scheduler.OnFailure(alerter)
	} else {
		glog.Warningf("flush failure alerts disabled: SMTP or COLLAB_ALERT_EMAIL not configured")
	}

	for name, check := range checks {
		httpServer.AddCheck(name, check)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("collab listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		glog.Infof("received %s, shutting down", sig)
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("http shutdown: %v", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		glog.Errorf("unflushed documents at shutdown: %v", err)
	}
	return nil
}
