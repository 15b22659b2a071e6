package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	"cloudslave/internal/manager"
)

var fetchParallel int

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <reservation id> <remote path> <local dir>",
	Short: "Copy a file or directory from every slave",
	Long: `Copy a remote file or directory from every slave of a reservation over
SFTP into <local dir>/<slave name>/. The remote path is rendered per slave
like the command of "run".`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := cmd.Context()
		r, err := a.registry.Reservation(ctx, args[0])
		if err != nil {
			logging.Logger().Fatal("Failed to load reservation", zap.Error(err))
		}

		localDir := args[2]
		err = forEachSlave(ctx, r, fetchParallel, func(i int, slave *manager.Slave) error {
			remotePath, err := renderTemplate(args[1], slaveContext(r, i, slave))
			if err != nil {
				return err
			}
			dest := filepath.Join(localDir, slave.Name(), filepath.Base(remotePath))
			return slave.Fetch(ctx, remotePath, dest)
		})
		if err != nil {
			logging.Logger().Fatal("Fetch failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().IntVarP(&fetchParallel, "parallel", "p", 10, "Slaves fetched from concurrently")
}
