// Plantcare
// Care scheduling and offline sync service for a houseplant collection
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verdant/plantcare/internal/care"
	"github.com/verdant/plantcare/internal/cloud"
	"github.com/verdant/plantcare/internal/config"
	"github.com/verdant/plantcare/internal/engine"
	"github.com/verdant/plantcare/internal/notify"
	"github.com/verdant/plantcare/internal/propagation"
	"github.com/verdant/plantcare/internal/schedule"
	"github.com/verdant/plantcare/internal/storage"
)

const version = "0.3.0"

var (
	configFile string
	jsonOutput bool
	rootCmd    = &cobra.Command{
		Use:   "plantcare",
		Short: "Plantcare",
		Long:  "Care scheduling, propagation tracking and offline sync for a houseplant collection.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the sync service",
		RunE:  runService,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Plantcare v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/plantcare/plantcare.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of tables")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	addCommands()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is everything a command needs.
type app struct {
	cfg    *config.Config
	db     *storage.DB
	engine *engine.Engine
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

// localDB returns the database when it is also the authoritative store.
func (a *app) localDB() (*storage.DB, error) {
	if a.cfg.Store.Mode != config.StoreLocal {
		return nil, fmt.Errorf("this command needs store.mode %s", config.StoreLocal)
	}
	return a.db, nil
}

func loadApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// The local database always holds the offline queue.
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var store engine.Store = db
	if cfg.Store.Mode == config.StoreRemote {
		store = cloud.New(cloudConfig(cfg))
	}

	return &app{
		cfg:    cfg,
		db:     db,
		engine: engine.New(engineConfig(cfg), store, db),
	}, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	engineCfg := engine.DefaultConfig()
	engineCfg.UserID = cfg.User.ID
	engineCfg.Thresholds = thresholds(cfg)

	if cfg.Propagation.ConvertFrom == "ready" {
		engineCfg.Lifecycle.ConvertFrom = propagation.StatusReady
	}
	if cfg.Propagation.Schedule != "" {
		engineCfg.Lifecycle.Schedule = cfg.Propagation.Schedule
	}
	if cfg.Sync.Workers > 0 {
		engineCfg.Sync.Workers = cfg.Sync.Workers
	}
	if cfg.Sync.SubmitTimeout > 0 {
		engineCfg.Sync.SubmitTimeout = config.Seconds(cfg.Sync.SubmitTimeout)
	}
	engineCfg.Sync.MaxClockSkew = config.Seconds(cfg.Care.MaxClockSkew)
	return engineCfg
}

func thresholds(cfg *config.Config) care.Thresholds {
	return care.Thresholds{
		DueSoonDays:     cfg.Care.DueSoonDays,
		DefaultInterval: schedule.Interval(cfg.Care.DefaultIntervalDays),
	}
}

func cloudConfig(cfg *config.Config) cloud.Config {
	cloudCfg := cloud.DefaultConfig()
	cloudCfg.BaseURL = cfg.Store.BaseURL
	cloudCfg.APIKey = cfg.Store.APIKey
	if cfg.Store.RequestTimeout > 0 {
		cloudCfg.HTTPTimeout = config.Seconds(cfg.Store.RequestTimeout)
	}
	if cfg.Connectivity.Mode == config.ConnectivityWebSocket {
		cloudCfg.WebSocketURL = cfg.Connectivity.URL
	}
	if cfg.Connectivity.InitialRetryDelay > 0 {
		cloudCfg.InitialRetryDelay = config.Seconds(cfg.Connectivity.InitialRetryDelay)
	}
	if cfg.Connectivity.MaxRetryDelay > 0 {
		cloudCfg.MaxRetryDelay = config.Seconds(cfg.Connectivity.MaxRetryDelay)
	}
	return cloudCfg
}

// connectivitySource is a Connectivity that runs in the background.
type connectivitySource interface {
	engine.Connectivity
	Start(ctx context.Context) error
	Stop() error
}

func newConnectivity(cfg *config.Config, eng *engine.Engine) connectivitySource {
	switch cfg.Connectivity.Mode {
	case config.ConnectivityWebSocket:
		m := cloud.NewMonitor(cloudConfig(cfg))
		m.OnCareUpdated(func(id int64) { eng.Invalidate(id) })
		return m
	case config.ConnectivityGRPC:
		grpcCfg := cloud.DefaultGRPCConfig()
		grpcCfg.ServerAddr = cfg.Connectivity.URL
		grpcCfg.APIKey = cfg.Store.APIKey
		grpcCfg.UseTLS = cfg.Connectivity.UseTLS
		if cfg.Connectivity.Service != "" {
			grpcCfg.Service = cfg.Connectivity.Service
		}
		if cfg.Connectivity.CheckInterval > 0 {
			grpcCfg.CheckInterval = config.Seconds(cfg.Connectivity.CheckInterval)
		}
		return cloud.NewGRPCWatcher(grpcCfg)
	}
	return nil
}

func runService(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	eng := a.engine

	if a.cfg.Notify.Endpoint != "" {
		pub, err := notify.NewPublisher(a.cfg.Notify.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to start notifier: %w", err)
		}
		defer pub.Close()
		eng.SetNotifier(pub)
	}

	conn := newConnectivity(a.cfg, eng)
	if conn != nil {
		eng.SetConnectivity(conn)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting Plantcare v%s for user %d (store %s, connectivity %s)",
		version, a.cfg.User.ID, a.cfg.Store.Mode, a.cfg.Connectivity.Mode)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if conn != nil {
		if err := conn.Start(ctx); err != nil {
			eng.Stop()
			return fmt.Errorf("failed to start connectivity: %w", err)
		}
	}

	stopWatch, err := config.Watch(configFile, func(c *config.Config) {
		eng.SetThresholds(thresholds(c))
	})
	if err != nil {
		log.Printf("Config hot reload disabled: %v", err)
	} else {
		defer stopWatch()
	}

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if conn != nil {
		if err := conn.Stop(); err != nil {
			log.Printf("Error stopping connectivity: %v", err)
		}
	}
	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
