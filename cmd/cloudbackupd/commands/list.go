package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cloudbackup/server/internal/cli/output"
	"github.com/cloudbackup/server/pkg/config"
	"github.com/cloudbackup/server/pkg/registry"
	"github.com/spf13/cobra"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backed-up files",
	Long: `List the files currently committed in the metadata registry's
snapshot, read directly from the configured snapshot file. The server
does not need to be running: list reads the on-disk snapshot, the same
source the registry reconciles against at startup.

Examples:
  # List files as a table
  cloudbackupd list

  # List as JSON
  cloudbackupd list -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

// fileList renders registry.Snapshot rows as a table.
type fileList []registry.Snapshot

func (fl fileList) Headers() []string {
	return []string{"NAME", "SIZE", "COMMITTED"}
}

func (fl fileList) Rows() [][]string {
	rows := make([][]string, 0, len(fl))
	for _, s := range fl {
		rows = append(rows, []string{
			s.Name,
			fmt.Sprintf("%d", s.Size),
			time.Unix(s.Time, 0).Local().Format("Mon Jan 2 15:04:05 2006"),
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := output.ParseFormat(listOutput)
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	snapshots, err := readSnapshotFile(cfg.DataManagerFilepath)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Name < snapshots[j].Name })

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, snapshots)
	case output.FormatYAML:
		return output.PrintYAML(os.Stdout, snapshots)
	default:
		if len(snapshots) == 0 {
			fmt.Println("No files found.")
			return nil
		}
		return output.PrintTable(os.Stdout, fileList(snapshots))
	}
}

// readSnapshotFile reads and decodes the registry's JSON snapshot file
// without constructing a full Registry, so list works whether or not the
// server is currently running.
func readSnapshotFile(path string) ([]registry.Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snapshots []registry.Snapshot
	if err := json.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("malformed snapshot file: %w", err)
	}
	return snapshots, nil
}
