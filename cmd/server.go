package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Poll booting reservations and serve health checks",
	Long: `Run the long lived poller that advances BOOTING reservations every
server.poll_interval, with a gRPC health endpoint on server.port. All settings
are read from the config file.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		if a.cfg.Store.Type != "etcd" {
			logging.Logger().Warn("Store is not shared; CLI changes made while the server runs may be lost",
				zap.String("store", a.cfg.Store.Type))
		}

		logging.Logger().Info("Starting cloudslave server",
			zap.Int("port", a.cfg.Server.Port),
			zap.Duration("poll_interval", a.cfg.Server.PollInterval),
			zap.Int("poll_workers", a.cfg.Server.PollWorkers))

		srv := server.NewServer(a.cfg.Server, a.registry)
		if err := srv.Start(cmd.Context()); err != nil {
			logging.Logger().Fatal("Server failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
