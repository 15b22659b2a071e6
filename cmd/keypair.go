package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cloudslave/internal/logging"
	sshkeys "cloudslave/internal/ssh"
)

var keypairDir string

// keypairCmd represents the keypair command
var keypairCmd = &cobra.Command{
	Use:   "keypair <cloud>",
	Short: "Show or export the SSH keypair of a cloud",
	Long: `Print the public key slaves on <cloud> accept, creating the keypair if
the cloud has none yet. With --dir the private and public key are written
there for use with a plain ssh client.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		ctx := cmd.Context()
		cloud, err := a.registry.Cloud(args[0])
		if err != nil {
			logging.Logger().Fatal("Unknown cloud", zap.Error(err))
		}
		kp, err := cloud.KeyPair(ctx)
		if err != nil {
			logging.Logger().Fatal("Failed to get keypair", zap.Error(err))
		}

		if keypairDir == "" {
			fmt.Print(kp.PublicKey)
			return
		}

		keys := &sshkeys.KeyPair{PrivateKey: kp.PrivateKey, PublicKey: kp.PublicKey}
		privatePath, publicPath, err := keys.WriteFiles(keypairDir, kp.Name)
		if err != nil {
			logging.Logger().Fatal("Failed to write keypair", zap.Error(err))
		}
		fmt.Println(privatePath)
		fmt.Println(publicPath)
	},
}

func init() {
	rootCmd.AddCommand(keypairCmd)

	keypairCmd.Flags().StringVarP(&keypairDir, "dir", "d", "", "Directory to write the key files to")
}
