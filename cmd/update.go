package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/server"
)

var updateWorkers int

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update [reservation id]",
	Short: "Poll the provider and advance reservation state",
	Long: `Poll the slaves of one reservation and print its new state. Without an
id every BOOTING reservation is polled once.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := cmd.Context()
		if len(args) == 0 {
			poller := server.NewPoller(a.registry, a.cfg.Server.PollInterval, updateWorkers)
			defer poller.Close()
			if err := poller.PollOnce(ctx); err != nil {
				logging.Logger().Fatal("Failed to update reservations", zap.Error(err))
			}
			return
		}

		r, err := a.registry.Reservation(ctx, args[0])
		if err != nil {
			logging.Logger().Fatal("Failed to load reservation", zap.Error(err))
		}
		state, err := r.UpdateState(ctx)
		if err != nil {
			logging.Logger().Fatal("Failed to update reservation", zap.String("reservation_id", r.ID()), zap.Error(err))
		}
		fmt.Println(state)
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.Flags().IntVar(&updateWorkers, "workers", 4, "Reservations polled concurrently")
}
