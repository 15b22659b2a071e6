package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
)

// terminateCmd represents the terminate command
var terminateCmd = &cobra.Command{
	Use:   "terminate <reservation id>...",
	Short: "Delete the slaves of reservations",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := cmd.Context()
		failed := false
		for _, id := range args {
			r, err := a.registry.Reservation(ctx, id)
			if err == nil {
				err = r.Terminate(ctx)
			}
			if err != nil {
				logging.Logger().Error("Failed to terminate reservation", zap.String("reservation_id", id), zap.Error(err))
				failed = true
				continue
			}
			fmt.Printf("%s %s\n", id, r.State())
		}
		if failed {
			logging.Logger().Fatal("Some reservations were not terminated")
		}
	},
}

func init() {
	rootCmd.AddCommand(terminateCmd)
}
