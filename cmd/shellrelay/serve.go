package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay"
	"pkt.systems/shellrelay/chatmod"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/httpapi"
	"pkt.systems/shellrelay/internal/appconfig"
	"pkt.systems/shellrelay/relaymod"
	"pkt.systems/shellrelay/schema"
	"pkt.systems/shellrelay/sshserver"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var disableAuditLogging bool
	var noBots bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay host",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			registry := relaymod.NewRegistry()
			if err := registry.Register(chatmod.Definition()); err != nil {
				return err
			}

			serverCfg := toServerConfig(cfg, disableAuditLogging)
			serverDeps := shellrelay.ServerDeps{
				ServiceDeps: core.ServiceDeps{
					Registry: registry,
					Logger:   logger,
				},
			}
			opts := []shellrelay.ServerOption{shellrelay.WithHTTP(), shellrelay.WithSSH()}
			if botsEnabled(cfg, noBots) {
				opts = append(opts, shellrelay.WithBots())
			}
			server, err := shellrelay.New(serverCfg, serverDeps, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", serverCfg.HTTP.Addr)
			logger.Info("ssh server listening", "addr", serverCfg.SSH.Addr)
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&disableAuditLogging, "disable-audit-logging", false, "disable audit logging of slash commands")
	cmd.Flags().BoolVar(&noBots, "no-bots", false, "do not start the embedded bot fleet")
	return cmd
}

func botsEnabled(cfg appconfig.Config, noBots bool) bool {
	return cfg.Bots.Enabled && cfg.Bots.Count > 0 && !noBots
}

func toServerConfig(cfg appconfig.Config, disableAuditLogging bool) shellrelay.ServerConfig {
	serviceCfg := cfg.CoreServiceConfig()
	var boot []shellrelay.BootDatabase
	if serviceCfg.DefaultDatabase != "" {
		boot = append(boot, shellrelay.BootDatabase{
			Name:   serviceCfg.DefaultDatabase,
			Module: chatmod.ModuleDef(),
		})
	}
	return shellrelay.ServerConfig{
		Service:             serviceCfg,
		Identity:            cfg.IdentityServiceConfig(),
		HTTP:                toHTTPConfig(cfg.HTTP),
		SSH:                 toSSHConfig(cfg),
		Auth:                toAuthConfig(cfg.Auth),
		Bots:                toBotsConfig(cfg),
		Boot:                boot,
		JournalPath:         cfg.Service.JournalPath,
		KeyStorePath:        cfg.Identity.KeyStorePath,
		KeyDir:              cfg.Identity.KeyDir,
		DisableAuditLogging: disableAuditLogging,
	}
}

func toHTTPConfig(cfg appconfig.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Addr:           cfg.Addr,
		AllowedOrigins: cfg.AllowedOrigins,
		HubHistory:     cfg.HubHistory,
	}
}

func toSSHConfig(cfg appconfig.Config) sshserver.Config {
	return sshserver.Config{
		Addr:        cfg.SSH.Addr,
		HostKeyPath: cfg.SSH.HostKeyPath,
		Database:    cfg.SSHDatabase(),
		Theme:       schema.ThemeName(cfg.SSH.Theme),
	}
}

func toAuthConfig(cfg appconfig.AuthConfig) shellrelay.AuthConfig {
	seeds := make([]shellrelay.SeedUser, 0, len(cfg.SeedUsers))
	for _, seed := range cfg.SeedUsers {
		seeds = append(seeds, shellrelay.SeedUser{
			Username:     seed.Username,
			PasswordHash: seed.PasswordHash,
			TOTPSecret:   seed.TOTPSecret,
		})
	}
	return shellrelay.AuthConfig{
		UserFile:  cfg.UserFile,
		SeedUsers: seeds,
	}
}

func toBotsConfig(cfg appconfig.Config) shellrelay.BotsConfig {
	return shellrelay.BotsConfig{
		Database:   cfg.BotsDatabase(),
		Count:      cfg.Bots.Count,
		Model:      cfg.Bots.Model,
		OllamaHost: cfg.Bots.OllamaHost,
		OllamaPort: cfg.Bots.OllamaPort,
	}
}
