package cmd

import (
	"log"

	"github.com/salieri-dev/nexus/nexus"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Nexus bot and backend API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			n, err := nexus.New(cfg)
			if err != nil {
				log.Fatalf("error creating nexus: %s", err.Error())
			}

			for _, plugin := range []nexus.Plugin{
				nexus.SettingsPlugin{},
				nexus.PingPlugin{},
				&nexus.SummaryPlugin{},
			} {
				if err = n.RegisterPlugin(plugin); err != nil {
					log.Fatalf(
						"error registering plugin %s: %s",
						plugin.Name(),
						err.Error(),
					)
				}
			}

			if err = n.Run(ctx); err != nil {
				log.Fatalf("error running nexus: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
