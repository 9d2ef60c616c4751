package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/internal/botrunner"
	"pkt.systems/shellrelay/internal/cliconfig"
	"pkt.systems/shellrelay/schema"
)

func newBotsCmd() *cobra.Command {
	var cfgPath string
	var server string
	var database string
	var count int
	var model string
	var ollamaHost string
	var ollamaPort int
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Run AI chat bots against a relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := cliconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if server == "" {
				server = cfg.Server
			}
			if database == "" {
				database = cfg.Database
			}
			name, err := schema.NormalizeDatabaseName(database)
			if err != nil {
				return fmt.Errorf("invalid database name %q: must match [a-z0-9-]", database)
			}
			port := ""
			if ollamaPort > 0 {
				port = strconv.Itoa(ollamaPort)
			}
			runner, err := botrunner.New(botrunner.Config{
				ServerURL:  server,
				Database:   name,
				Count:      count,
				Model:      model,
				OllamaHost: ollamaHost,
				OllamaPort: port,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("bot fleet starting", "server", server, "db", name, "count", count)
			return runner.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to CLI config file")
	cmd.Flags().StringVarP(&server, "server", "s", "", "relay server url")
	cmd.Flags().StringVarP(&database, "database", "d", "", "database the bots join")
	cmd.Flags().IntVarP(&count, "count", "n", 3, "number of bots")
	cmd.Flags().StringVar(&model, "model", "", "Ollama model name")
	cmd.Flags().StringVar(&ollamaHost, "ollama-host", "", "Ollama host")
	cmd.Flags().IntVar(&ollamaPort, "ollama-port", 0, "Ollama port")
	return cmd
}
