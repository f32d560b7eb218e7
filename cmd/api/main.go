package main

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signoff/api/db"
	"signoff/api/internal/admin"
	"signoff/api/internal/app"
	"signoff/api/internal/config"
	"signoff/api/internal/email"
	"signoff/api/internal/export"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/search"
	"signoff/api/internal/session"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
)

const revocationPurgeInterval = time.Hour

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer sqlDB.Close()

	if err := store.ApplyMigrations(ctx, sqlDB, migrations(cfg)); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(sqlDB)

	kvStore, err := kv.Open(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer kvStore.Close()
	mirror := kv.NewMirror(kvStore)
	sessions := session.NewRedisStoreWithClient(kvStore.Client())

	linearClient := linear.NewClient(cfg.LinearAPIKey,
		linear.WithEndpoint(cfg.LinearAPIURL),
		linear.WithTimeout(cfg.LinearTimeout),
		linear.WithRateLimit(cfg.LinearRatePerSecond, cfg.LinearRateBurst),
		linear.WithPageSize(cfg.LinearPageSize),
		linear.WithMaxPages(cfg.LinearMaxPages),
	)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, search.NewMirrorScan(mirror))
	defer searchService.Close()

	teamSyncer := syncer.New(linearClient, mirror,
		syncer.WithRunRecorder(dataStore),
		syncer.WithIndexer(searchService),
		syncer.WithTeams(cfg.SyncTeamIDs),
		syncer.WithConcurrency(cfg.SyncConcurrency),
	)

	exportOpts := []export.Option{export.WithEvents(dataStore)}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archive, err := export.NewMinioArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.ReportBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("report archive setup failed: %v", err)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: report bucket unavailable, reports will not be archived: %v", err)
		} else {
			exportOpts = append(exportOpts, export.WithArchiver(archive))
		}
	}

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		Admin:    admin.New(kvStore),
		Mirror:   mirror,
		Remote:   linearClient,
		Syncer:   teamSyncer,
		Search:   searchService,
		Export:   export.NewService(mirror, exportOpts...),
		Email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	})
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	if cfg.LinearAPIKey != "" && cfg.SyncInterval > 0 {
		go func() {
			if err := teamSyncer.Run(ctx, cfg.SyncInterval); err != nil && ctx.Err() == nil {
				log.Printf("sync loop stopped: %v", err)
			}
		}()
	} else {
		log.Printf("Scheduled sync disabled (LINEAR_API_KEY or SYNC_INTERVAL_SECONDS not set)")
	}
	go purgeRevocations(ctx, dataStore)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Signoff API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// migrations reads SIGNOFF_MIGRATIONS_DIR when set, else the embedded set.
func migrations(cfg config.Config) fs.FS {
	if dir := strings.TrimSpace(cfg.MigrationsDir); dir != "" {
		return os.DirFS(dir)
	}
	sub, err := fs.Sub(db.Migrations, "migrations")
	if err != nil {
		log.Fatalf("embedded migrations: %v", err)
	}
	return sub
}

func purgeRevocations(ctx context.Context, dataStore *store.PostgresStore) {
	ticker := time.NewTicker(revocationPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := dataStore.PurgeExpiredRevocations(ctx)
			if err != nil {
				log.Printf("purge revocations: %v", err)
			} else if n > 0 {
				log.Printf("purged %d expired token revocations", n)
			}
		}
	}
}
