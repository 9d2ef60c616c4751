package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/internal/appconfig"
)

func newBootstrapCmd() *cobra.Command {
	var outputPath string
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Write a default host config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			path, err := appconfig.WriteDefault(outputPath, overwrite)
			if err != nil {
				return err
			}
			logger.Info("bootstrap wrote", "path", path, "name", "config.yaml")
			logger.Info("add an operator with: shellrelay users add <username>")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output path for the config file")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing config")
	return cmd
}
