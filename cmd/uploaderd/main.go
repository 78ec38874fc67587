package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/resilient-storage/uploader/internal/chunkstore"
	"github.com/resilient-storage/uploader/internal/config"
	"github.com/resilient-storage/uploader/internal/handlers"
	"github.com/resilient-storage/uploader/internal/merge"
	"github.com/resilient-storage/uploader/internal/middleware"
	"github.com/resilient-storage/uploader/internal/netmon"
	"github.com/resilient-storage/uploader/internal/notify"
	"github.com/resilient-storage/uploader/internal/reaper"
	"github.com/resilient-storage/uploader/internal/retrypolicy"
	"github.com/resilient-storage/uploader/internal/session"
	"github.com/resilient-storage/uploader/internal/storage"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "uploaderd",
		Short: "Resilient chunked upload service",
		Long:  `A chunked-upload service that accepts large files from unreliable clients and guarantees the stored file is byte-identical to what was sent.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.toml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reapCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig(log *logrus.Logger) *config.Config {
	if cfgFile == "" {
		cfgFile = "config.toml"
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.WithError(err).Warnf("failed to load config from %s, using defaults", cfgFile)
		cfg = config.DefaultConfig()
	}
	return cfg
}

type engine struct {
	cfg      *config.Config
	store    storage.SessionStore
	chunks   *chunkstore.Store
	notifier notify.Publisher
	manager  *session.Manager
	reaper   *reaper.Reaper
}

// buildEngine wires the whole upload engine from configuration.
func buildEngine(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*engine, error) {
	var store storage.SessionStore
	if cfg.Database.URL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pg.Migrate(cfg.Database.MigrationsPath); err != nil {
			log.WithError(err).Warn("migrations failed")
		}
		store = pg
	} else {
		log.Info("no database configured, using in-memory session store")
		store = storage.NewMemoryStore()
	}

	chunks, err := chunkstore.New(cfg.Storage.DataDir, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open chunk store: %w", err)
	}

	var notifier notify.Publisher
	if cfg.Redis.Addr != "" {
		notifier, err = notify.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, log)
		if err != nil {
			chunks.Close()
			store.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	} else {
		notifier = notify.NewLogPublisher(log)
	}

	monitor := netmon.New(netmon.Bounds{
		Min:     cfg.Storage.MinChunkBytes,
		Default: cfg.Storage.DefaultChunkBytes,
		Max:     cfg.Storage.MaxChunkBytes,
	}, cfg.Storage.ConcurrentChunks)

	merger, err := merge.New(chunks, cfg.Storage.FinalDir, log)
	if err != nil {
		notifier.Close()
		chunks.Close()
		store.Close()
		return nil, fmt.Errorf("failed to open final directory: %w", err)
	}

	policy := retrypolicy.New(cfg.Retry.BackoffBase(), cfg.Retry.BackoffCap(), cfg.Retry.MaxAttempts)

	manager := session.NewManager(store, chunks, monitor, merger, policy, notifier, cfg.Retry.ChunkTimeout(), log)

	r := reaper.New(manager, cfg.Reaper.Interval(), cfg.Reaper.SessionTTL(), cfg.Reaper.FailedRetention(), log)

	return &engine{
		cfg:      cfg,
		store:    store,
		chunks:   chunks,
		notifier: notifier,
		manager:  manager,
		reaper:   r,
	}, nil
}

func (e *engine) close() {
	e.notifier.Close()
	e.chunks.Close()
	e.store.Close()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload service",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			log.SetFormatter(&logrus.JSONFormatter{})

			cfg := loadConfig(log)
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET must be set")
			}

			eng, err := buildEngine(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer eng.close()

			eng.reaper.Start()
			defer eng.reaper.Stop()

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			router.Use(gin.Recovery())

			router.GET("/health", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "healthy"})
			})

			uploadHandler := handlers.NewUploadHandler(
				eng.manager, cfg.Storage.DefaultChunkBytes, cfg.Storage.MaxChunkBytes, log)

			api := router.Group("/api/v1/upload")
			api.Use(middleware.JWTMiddleware(cfg.Server.JWTSecret))
			{
				api.POST("/start", uploadHandler.Start)
				api.POST("/chunk", uploadHandler.Chunk)
				api.GET("/status/:file_id", uploadHandler.Status)
				api.POST("/complete", uploadHandler.Complete)
				api.DELETE("/cancel/:file_id", uploadHandler.Cancel)
				api.GET("/download/:file_id", uploadHandler.Download)
			}

			srv := &http.Server{
				Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
				Handler:      router,
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			}

			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
				<-sigChan

				log.Info("shutting down server")

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				if err := srv.Shutdown(ctx); err != nil {
					log.WithError(err).Warn("server forced to shutdown")
				}
			}()

			log.WithField("addr", srv.Addr).Info("upload service starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("failed to start server: %w", err)
			}

			log.Info("server exited")
			return nil
		},
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one stale-session sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()

			cfg := loadConfig(log)
			eng, err := buildEngine(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer eng.close()

			eng.reaper.Sweep(cmd.Context())
			return nil
		},
	}
}
