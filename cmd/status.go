package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
)

var (
	statusOutput string
	statusIPs    bool
)

type slaveView struct {
	Name        string `yaml:"name"`
	CloudNodeID string `yaml:"cloud_node_id"`
	State       string `yaml:"state,omitempty"`
	IP          string `yaml:"ip,omitempty"`
}

type reservationView struct {
	ID             string      `yaml:"id"`
	Cloud          string      `yaml:"cloud"`
	State          string      `yaml:"state"`
	Description    string      `yaml:"description"`
	NumberOfSlaves int         `yaml:"number_of_slaves"`
	Timeout        time.Time   `yaml:"timeout"`
	CreatedAt      time.Time   `yaml:"created_at"`
	Slaves         []slaveView `yaml:"slaves,omitempty"`
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [reservation id]",
	Short: "Show reservations",
	Long: `Show every reservation, or one reservation with its slaves. The state
shown is the last persisted one; use "update" to poll the provider.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := cmd.Context()
		var views []reservationView
		if len(args) == 1 {
			r, err := a.registry.Reservation(ctx, args[0])
			if err != nil {
				logging.Logger().Fatal("Failed to load reservation", zap.Error(err))
			}
			view, err := describeReservation(ctx, r, true)
			if err != nil {
				logging.Logger().Fatal("Failed to describe reservation", zap.Error(err))
			}
			views = append(views, view)
		} else {
			reservations, err := a.registry.Reservations(ctx)
			if err != nil {
				logging.Logger().Fatal("Failed to list reservations", zap.Error(err))
			}
			for _, r := range reservations {
				view, err := describeReservation(ctx, r, false)
				if err != nil {
					logging.Logger().Fatal("Failed to describe reservation", zap.Error(err))
				}
				views = append(views, view)
			}
		}

		if err := printReservations(views, statusOutput); err != nil {
			logging.Logger().Fatal("Failed to print status", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "Output format: text or yaml")
	statusCmd.Flags().BoolVar(&statusIPs, "ips", false, "Look up slave addresses at the provider")
}

func describeReservation(ctx context.Context, r *manager.Reservation, withSlaves bool) (reservationView, error) {
	rec := r.Record()
	view := reservationView{
		ID:             rec.ID,
		Cloud:          rec.Cloud,
		State:          rec.State.String(),
		Description:    rec.State.Description(),
		NumberOfSlaves: rec.NumberOfSlaves,
		Timeout:        rec.Timeout,
		CreatedAt:      rec.CreatedAt,
	}
	if !withSlaves {
		return view, nil
	}

	slaves, err := r.Slaves(ctx)
	if err != nil {
		return view, err
	}
	for _, s := range slaves {
		srec := s.Record()
		sv := slaveView{Name: srec.Name, CloudNodeID: srec.CloudNodeID, State: srec.State, IP: srec.FloatingIP}
		if statusIPs {
			ip, err := s.IP(ctx)
			if err != nil {
				logging.Logger().Warn("Failed to look up slave address", zap.String("slave", srec.Name), zap.Error(err))
			} else {
				sv.IP = ip
			}
		}
		view.Slaves = append(view.Slaves, sv)
	}
	return view, nil
}

func printReservations(views []reservationView, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(views)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLOUD\tSTATE\tSLAVES\tCREATED")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", v.ID, v.Cloud, v.Description, v.NumberOfSlaves, v.CreatedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, v := range views {
		if len(v.Slaves) == 0 {
			continue
		}
		fmt.Printf("\nSlaves of %s:\n", v.ID)
		for _, s := range v.Slaves {
			fmt.Printf("- %s (%s): %s %s\n", s.Name, s.CloudNodeID, s.State, s.IP)
		}
	}
	return nil
}
