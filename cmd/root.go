package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/config"
	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
	"cloudslave/internal/provisioning"
	"cloudslave/internal/store"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cloudslave",
	Short: "Reserve and drive throwaway cloud instances",
	Long: `cloudslave provisions groups of identical instances ("reservations") on
the configured clouds, tracks them until they are reachable and runs
commands on them over SSH.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Interrupts cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_PATH or ./cloudslave.yaml)")
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile, config.KeyringSecrets{})
	}
	return config.Load()
}

// app is what every command needs: configuration, the store and the clouds.
type app struct {
	cfg      *config.Config
	store    store.Store
	registry *manager.Registry
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := store.New(store.Options{
		Type:          cfg.Store.Type,
		Path:          cfg.Store.Path,
		EtcdEndpoints: cfg.Store.EtcdEndpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := manager.NewRegistry(cfg.Clouds, st, provisioning.NewClient,
		manager.WithSSHConfig(cfg.SSH))

	logging.Logger().Debug("Configuration loaded",
		zap.Int("clouds", len(cfg.Clouds)),
		zap.String("store", cfg.Store.Type))

	return &app{cfg: cfg, store: st, registry: registry}, nil
}

// mustApp builds the app or exits.
func mustApp() *app {
	a, err := newApp()
	if err != nil {
		logging.Logger().Fatal("Initialization failed", zap.Error(err))
	}
	return a
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Logger().Error("Failed to close store", zap.Error(err))
	}
}
