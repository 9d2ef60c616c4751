package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/shellrelay/schema"
)

func newDatabasesCmd() *cobra.Command {
	var cfgPath string
	var server string
	cmd := &cobra.Command{
		Use:   "databases",
		Short: "Manage relay databases",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to CLI config file")
	cmd.PersistentFlags().StringVarP(&server, "server", "s", "", "relay server url")

	cmd.AddCommand(newDatabasesListCmd(&cfgPath, &server))
	cmd.AddCommand(newDatabasesShowCmd(&cfgPath, &server))
	cmd.AddCommand(newDatabasesDeleteCmd(&cfgPath, &server))

	return cmd
}

func newDatabasesListCmd(cfgPath, server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadClient(*cfgPath, *server)
			if err != nil {
				return err
			}
			resp, err := client.ListDatabases(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Databases) == 0 {
				_, _ = fmt.Fprintln(out, "no databases")
				return nil
			}
			for _, info := range resp.Databases {
				_, _ = fmt.Fprintf(out, "%s (%s %s) commits=%d connections=%d\n",
					info.Name, info.Module, info.Version, info.CommitSeq, info.Connections)
			}
			return nil
		},
	}
}

func newDatabasesShowCmd(cfgPath, server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := schema.NormalizeDatabaseName(args[0])
			if err != nil {
				return fmt.Errorf("invalid database name %q: must match [a-z0-9-]", args[0])
			}
			_, client, err := loadClient(*cfgPath, *server)
			if err != nil {
				return err
			}
			resp, err := client.GetDatabase(cmd.Context(), name)
			if err != nil {
				return err
			}
			info := resp.Database
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "name: %s\n", info.Name)
			_, _ = fmt.Fprintf(out, "module: %s %s\n", info.Module, info.Version)
			if info.Owner != "" {
				_, _ = fmt.Fprintf(out, "owner: %s\n", info.Owner)
			}
			_, _ = fmt.Fprintf(out, "commits: %d\n", info.CommitSeq)
			_, _ = fmt.Fprintf(out, "connections: %d\n", info.Connections)
			return nil
		},
	}
}

func newDatabasesDeleteCmd(cfgPath, server *string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a database and all its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := schema.NormalizeDatabaseName(args[0])
			if err != nil {
				return fmt.Errorf("invalid database name %q: must match [a-z0-9-]", args[0])
			}
			if !yes {
				if !isTerminalReader(cmd.InOrStdin()) {
					return fmt.Errorf("deleting %s cannot be confirmed without a terminal; use --yes", name)
				}
				ok, err := promptYes(cmd, fmt.Sprintf("delete database %s and all its data? [y/N]: ", name))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("delete aborted")
				}
			}
			_, client, err := loadClient(*cfgPath, *server)
			if err != nil {
				return err
			}
			resp, err := client.DeleteDatabase(cmd.Context(), name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted database: %s\n", resp.Database.Name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
