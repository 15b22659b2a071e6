package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// cloudsCmd represents the clouds command
var cloudsCmd = &cobra.Command{
	Use:   "clouds",
	Short: "List configured clouds",
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp()
		defer a.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROVIDER\tREGION\tIMAGE\tFLAVOR\tFLOATING IP")
		for _, c := range a.registry.Clouds() {
			cfg := c.Config()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				cfg.Name, cfg.Provider, cfg.Region, cfg.ImageName, cfg.FlavorName, cfg.FloatingIPMode)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(cloudsCmd)
}
