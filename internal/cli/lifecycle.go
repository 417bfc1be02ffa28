package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPauseCommand creates the pause command.
func NewPauseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "pause <privacy-request-id>",
		Short: "Stop admitting tasks of a privacy request",
		Long: `Pause a pending or in-processing privacy request. Tasks already
running finish and commit; nothing downstream of them starts until the
request is resumed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			ctx, rt, eng, err := opts.open(cmd)
			if err != nil {
				return f.Fail(asExitError(err))
			}
			defer closeRuntime(rt)
			if err := eng.Pause(ctx, args[0]); err != nil {
				return f.Fail(requestError(args[0], err))
			}
			return f.Success(map[string]string{"privacy_request_id": args[0], "status": "paused"},
				fmt.Sprintf("Privacy request %s paused", args[0]))
		},
	}
	opts.bindFlags(cmd)
	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "resume <privacy-request-id>",
		Short: "Make a paused privacy request runnable again",
		Long: `Resume a paused privacy request. A running "dsr worker" picks its
tasks up on its next poll.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			ctx, rt, eng, err := opts.open(cmd)
			if err != nil {
				return f.Fail(asExitError(err))
			}
			defer closeRuntime(rt)
			if err := eng.Resume(ctx, args[0]); err != nil {
				return f.Fail(requestError(args[0], err))
			}
			return f.Success(map[string]string{"privacy_request_id": args[0], "status": "in_processing"},
				fmt.Sprintf("Privacy request %s resumed", args[0]))
		},
	}
	opts.bindFlags(cmd)
	return cmd
}
