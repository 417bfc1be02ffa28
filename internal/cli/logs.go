package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/dsr/internal/model"
)

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "logs <privacy-request-id>",
		Short: "Print the execution log of a privacy request",
		Long: `Print every status transition recorded for a privacy request, in the
order it was written.

Example:
  dsr logs --db ./dsr.db 01890a5d-ac96-774b-bcce-b302099a8057
  dsr logs --db ./dsr.db --format json 01890a5d-ac96-774b-bcce-b302099a8057`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(opts, args[0], cmd)
		},
	}
	opts.bindFlags(cmd)
	return cmd
}

func runLogs(opts *StoreOptions, prID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx, rt, _, err := opts.open(cmd)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	defer closeRuntime(rt)

	if _, err := rt.store.GetPrivacyRequest(ctx, prID); err != nil {
		return f.Fail(requestError(prID, err))
	}
	logs, err := rt.store.ListExecutionLogs(ctx, prID)
	if err != nil {
		return f.Fail(requestError(prID, err))
	}
	if logs == nil {
		logs = []model.ExecutionLog{}
	}
	return f.Success(logs, renderLogs(logs))
}

func renderLogs(logs []model.ExecutionLog) string {
	if len(logs) == 0 {
		return "No execution logs."
	}
	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			l.CreatedAt.UTC().Format(time.RFC3339Nano),
			string(l.ActionType),
			l.DatasetName + ":" + l.CollectionName,
			string(l.Status),
			strings.ReplaceAll(l.Message, "\n", " "),
		})
	}
	return table([]string{"TIME", "ACTION", "COLLECTION", "STATUS", "MESSAGE"}, rows)
}
