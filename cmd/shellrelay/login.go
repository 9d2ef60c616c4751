package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/shellrelay/internal/cliconfig"
)

func newLoginCmd() *cobra.Command {
	var cfgPath string
	var server string
	var username string
	var totpCode string
	var passwordFromStdin bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate as an operator and store the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(username) == "" {
				return errors.New("--username is required")
			}
			cfg, err := cliconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if server != "" {
				cfg.Server = server
			}
			password, code, err := resolveLoginSecrets(cmd, passwordFromStdin, totpCode)
			if err != nil {
				return err
			}
			client, err := newAPIClient(cfg.Server, "")
			if err != nil {
				return err
			}
			result, err := client.Login(cmd.Context(), username, password, code)
			if err != nil {
				return err
			}
			cfg.Token = result.Token
			path, err := cliconfig.Save(cfgPath, cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "logged in as %s\n", result.Username)
			_, _ = fmt.Fprintf(out, "identity: %s\n", result.Identity)
			_, _ = fmt.Fprintf(out, "token saved: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to CLI config file")
	cmd.Flags().StringVarP(&server, "server", "s", "", "relay server url")
	cmd.Flags().StringVarP(&username, "username", "u", "", "operator username")
	cmd.Flags().StringVar(&totpCode, "totp", "", "TOTP code")
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from stdin")
	return cmd
}

// resolveLoginSecrets returns the password and TOTP code. With
// --password-from-stdin the whole of stdin is the password, so the TOTP
// code must arrive via --totp.
func resolveLoginSecrets(cmd *cobra.Command, fromStdin bool, totpCode string) (string, string, error) {
	if fromStdin {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", "", err
		}
		password := strings.TrimSpace(string(data))
		if password == "" {
			return "", "", errors.New("password from stdin is empty")
		}
		if strings.TrimSpace(totpCode) == "" {
			return "", "", errors.New("--totp is required with --password-from-stdin")
		}
		return password, strings.TrimSpace(totpCode), nil
	}
	passphrase, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", "", err
	}
	password := string(passphrase)
	if password == "" {
		return "", "", errors.New("password is empty")
	}
	if strings.TrimSpace(totpCode) == "" {
		code, err := keymgmt.PromptPassphrase(cmd.InOrStdin(), "TOTP code: ", cmd.ErrOrStderr())
		if err != nil {
			return "", "", err
		}
		totpCode = string(code)
	}
	totpCode = strings.TrimSpace(totpCode)
	if totpCode == "" {
		return "", "", errors.New("totp code is required")
	}
	return password, totpCode, nil
}
