package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/shellrelay/internal/manifest"
	"pkt.systems/shellrelay/schema"
)

func newPublishCmd() *cobra.Command {
	var cfgPath string
	var server string
	var projectPath string
	var binPath string
	var breakClients bool
	var deleteData string
	var yes bool
	cmd := &cobra.Command{
		Use:   "publish <name>",
		Short: "Publish a module manifest to a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := schema.NormalizeDatabaseName(args[0])
			if err != nil {
				return fmt.Errorf("invalid database name %q: must match [a-z0-9-]", args[0])
			}
			policy, err := schema.ParseDeleteDataPolicy(deleteData)
			if err != nil {
				return fmt.Errorf("--delete-data must be %q or %q", schema.DeleteDataOnConflict, schema.DeleteDataAlways)
			}
			if cmd.Flags().Changed("bin-path") && cmd.Flags().Changed("project-path") {
				return errors.New("choose one of --project-path or --bin-path")
			}
			var def schema.ModuleDef
			if cmd.Flags().Changed("bin-path") {
				def, err = manifest.LoadFile(binPath)
			} else {
				def, err = manifest.LoadProject(projectPath)
			}
			if err != nil {
				return err
			}
			if policy == schema.DeleteDataAlways && !yes {
				ok, err := confirmDataLoss(cmd, name)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("publish aborted")
				}
			}
			_, client, err := loadClient(cfgPath, server)
			if err != nil {
				return err
			}
			resp, err := client.Publish(cmd.Context(), publishPayload{
				Name:         name,
				Module:       def,
				BreakClients: breakClients,
				DeleteData:   policy,
			})
			if err != nil {
				return err
			}
			printPublishResult(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to CLI config file")
	cmd.Flags().StringVarP(&server, "server", "s", "", "relay server url")
	cmd.Flags().StringVarP(&projectPath, "project-path", "p", ".", "directory containing module.yaml")
	cmd.Flags().StringVarP(&binPath, "bin-path", "b", "", "publish a manifest file directly")
	cmd.Flags().BoolVar(&breakClients, "break-clients", false, "allow a schema change that disconnects clients")
	cmd.Flags().StringVar(&deleteData, "delete-data", "", "clear stored rows (on-conflict or always)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the data loss confirmation")
	return cmd
}

// confirmDataLoss asks before an unconditional clear. Without a terminal on
// stdin there is nobody to ask, so the publish fails instead of guessing.
func confirmDataLoss(cmd *cobra.Command, name schema.DatabaseName) (bool, error) {
	if !isTerminalReader(cmd.InOrStdin()) {
		return false, fmt.Errorf("--delete-data=%s deletes all rows in %s; confirm with --yes", schema.DeleteDataAlways, name)
	}
	return promptYes(cmd, fmt.Sprintf("this deletes all rows in %s; continue? [y/N]: ", name))
}

// promptYes reads a y/N answer from stdin.
func promptYes(cmd *cobra.Command, prompt string) (bool, error) {
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func isTerminalReader(stdin io.Reader) bool {
	file, ok := stdin.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func printPublishResult(w io.Writer, resp schema.PublishResponse) {
	_, _ = fmt.Fprintf(w, "%s %s (module %s %s)\n", resp.Outcome, resp.Database.Name, resp.Database.Module, resp.Database.Version)
	for _, change := range resp.Breaking {
		_, _ = fmt.Fprintf(w, "breaking: %s\n", change)
	}
	if resp.DataCleared {
		_, _ = fmt.Fprintln(w, "stored rows cleared")
	}
	if resp.KickedConns > 0 {
		_, _ = fmt.Fprintf(w, "disconnected clients: %d\n", resp.KickedConns)
	}
}
