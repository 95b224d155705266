// Command caravel builds container images for JVM applications from a
// build plan and publishes them to a registry, a tar archive, or the
// local Docker daemon, without a Docker daemon in the build path.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caravel-build/caravel/version"
)

var rootCmd = &cobra.Command{
	Use:           "caravel",
	Short:         "daemonless container image builder for JVM applications",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("verbosity", "v", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetString("verbosity")
		level, err := logrus.ParseLevel(verbosity)
		if err != nil {
			return fmt.Errorf("invalid verbosity %q", verbosity)
		}
		logrus.SetLevel(level)
		return nil
	}

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
