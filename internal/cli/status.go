package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dsr/internal/config"
	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/store"
)

// StoreOptions holds the flags of commands that only inspect or update
// the task store.
type StoreOptions struct {
	*RootOptions
	Database string
}

func (o *StoreOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "path to the SQLite task store (overrides config)")
}

// open loads the config, applies --db and opens an engine over the task
// store. The engine has no connectors, so it cannot run tasks.
func (o *StoreOptions) open(cmd *cobra.Command) (context.Context, *runtime, *engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if o.Database != "" {
		cfg.Database = config.Database{Path: o.Database}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "invalid flags", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, rt, rt.engine(nil, nil), nil
}

func closeRuntime(rt *runtime) {
	if err := rt.Close(); err != nil {
		slog.Error("closing runtime", "error", err)
	}
}

// requestError maps engine lookup errors to exit errors.
func requestError(prID string, err error) *ExitError {
	switch {
	case engine.IsNotFound(err), errors.Is(err, store.ErrNotFound):
		return WrapExitError(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("privacy request %s not found", prID), err)
	case engine.IsInvalidState(err):
		return WrapExitError(ExitFailure, ErrCodeInvalidConfig, fmt.Sprintf("privacy request %s", prID), err)
	}
	return WrapExitError(ExitCommandError, ErrCodeStoreFailed, "reading task store", err)
}

// TaskRow is one line of the status task table.
type TaskRow struct {
	Action     model.ActionType `json:"action"`
	Collection string           `json:"collection"`
	Status     model.TaskStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	LeaseOwner string           `json:"lease_owner,omitempty"`
}

// StatusResult is the output of dsr status.
type StatusResult struct {
	Summary *engine.Summary `json:"summary"`
	Tasks   []TaskRow       `json:"tasks"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "status <privacy-request-id>",
		Short: "Show a privacy request and its tasks",
		Long: `Show the status of a privacy request, every task of every step and
the outcome so far.

Example:
  dsr status --db ./dsr.db 01890a5d-ac96-774b-bcce-b302099a8057`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}
	opts.bindFlags(cmd)
	return cmd
}

func runStatus(opts *StoreOptions, prID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx, rt, eng, err := opts.open(cmd)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	defer closeRuntime(rt)

	summary, err := eng.Summary(ctx, prID)
	if err != nil {
		return f.Fail(requestError(prID, err))
	}
	result := StatusResult{Summary: summary}
	for _, action := range []model.ActionType{model.ActionAccess, model.ActionErasure, model.ActionConsent} {
		tasks, err := rt.store.ListTasks(ctx, prID, action)
		if err != nil {
			return f.Fail(requestError(prID, err))
		}
		for _, t := range tasks {
			result.Tasks = append(result.Tasks, TaskRow{
				Action:     t.ActionType,
				Collection: t.CollectionAddress.String(),
				Status:     t.Status,
				Attempts:   t.Attempts,
				LeaseOwner: t.LeaseOwner,
			})
		}
	}
	return f.Success(result, renderStatus(result))
}

func renderStatus(r StatusResult) string {
	s := r.Summary
	var b strings.Builder
	fmt.Fprintf(&b, "Privacy request %s\n", s.PrivacyRequestID)
	fmt.Fprintf(&b, "  status:  %s\n", s.Status)
	fmt.Fprintf(&b, "  step:    %s\n", s.CurrentStep)
	fmt.Fprintf(&b, "  outcome: %s\n", s.Outcome)
	if s.Message != "" {
		fmt.Fprintf(&b, "  message: %s\n", s.Message)
	}
	if len(r.Tasks) > 0 {
		rows := make([][]string, 0, len(r.Tasks))
		for _, t := range r.Tasks {
			rows = append(rows, []string{string(t.Action), t.Collection, string(t.Status), strconv.Itoa(t.Attempts), t.LeaseOwner})
		}
		b.WriteString("\n")
		b.WriteString(table([]string{"ACTION", "COLLECTION", "STATUS", "ATTEMPTS", "LEASE"}, rows))
	}
	if len(s.Failed) > 0 {
		fmt.Fprintf(&b, "\nFailed: %s\n", strings.Join(s.Failed, ", "))
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, "Skipped: %s\n", strings.Join(s.Skipped, ", "))
	}
	return b.String()
}
