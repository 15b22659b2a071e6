package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
	"cloudslave/internal/model"
)

var (
	reserveCloud        string
	reserveCount        int
	reserveWait         bool
	reserveTimeout      time.Duration
	reservePollInterval time.Duration
)

// reserveCmd represents the reserve command
var reserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "Create a reservation and start its slaves",
	Long: `Create a reservation of --count slaves on --cloud (a random configured
cloud when omitted) and start them. With --wait the command polls until the
reservation is READY or has failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := cmd.Context()
		r, err := reserve(ctx, a)
		if r != nil {
			fmt.Println(r.ID())
		}
		if err != nil {
			logging.Logger().Fatal("Reservation failed", zap.Error(err))
		}

		if !reserveWait {
			return
		}
		state, err := waitForReservation(ctx, r, reservePollInterval)
		if err != nil {
			logging.Logger().Fatal("Failed to wait for reservation", zap.String("reservation_id", r.ID()), zap.Error(err))
		}
		fmt.Println(state)
		if state != model.StateReady {
			logging.Logger().Fatal("Reservation did not become ready",
				zap.String("reservation_id", r.ID()),
				zap.Stringer("state", state))
		}
	},
}

func init() {
	rootCmd.AddCommand(reserveCmd)

	reserveCmd.Flags().StringVarP(&reserveCloud, "cloud", "c", "", "Cloud to reserve on (random when empty)")
	reserveCmd.Flags().IntVarP(&reserveCount, "count", "n", 1, "Number of slaves")
	reserveCmd.Flags().BoolVarP(&reserveWait, "wait", "w", false, "Wait until the reservation is ready")
	reserveCmd.Flags().DurationVar(&reserveTimeout, "timeout", 0, "Boot deadline from now (cloud boot_timeout when zero)")
	reserveCmd.Flags().DurationVar(&reservePollInterval, "poll-interval", 10*time.Second, "Polling interval with --wait")
}

func reserve(ctx context.Context, a *app) (*manager.Reservation, error) {
	var (
		cloud *manager.Cloud
		err   error
	)
	if reserveCloud == "" {
		cloud, err = a.registry.Random()
	} else {
		cloud, err = a.registry.Cloud(reserveCloud)
	}
	if err != nil {
		return nil, err
	}

	var opts []manager.ReservationOption
	if reserveTimeout > 0 {
		opts = append(opts, manager.WithDeadline(time.Now().Add(reserveTimeout)))
	}

	r, err := cloud.CreateReservation(ctx, reserveCount, opts...)
	if err != nil {
		return nil, err
	}
	return r, r.Start(ctx)
}

func waitForReservation(ctx context.Context, r *manager.Reservation, interval time.Duration) (model.ReservationState, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := r.UpdateState(ctx)
		if err != nil {
			return state, err
		}
		if state != model.StateBooting {
			return state, nil
		}
		logging.Logger().Info("Waiting for reservation", zap.String("reservation_id", r.ID()))

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}
