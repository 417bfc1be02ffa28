package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/dsr/internal/config"
	"github.com/roach88/dsr/internal/model"
	"github.com/roach88/dsr/internal/policy"
	"github.com/roach88/dsr/internal/rowset"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	Policy    string
	Fixtures  string
	Identity  []string
	Scheduler string
	Workers   int
}

// RunResult is the output of dsr run.
type RunResult struct {
	PrivacyRequestID string                  `json:"privacy_request_id"`
	Scheduler        string                  `json:"scheduler"`
	Status           model.RequestStatus     `json:"status"`
	Access           map[string][]rowset.Row `json:"access"`
	Erasure          map[string]int          `json:"erasure,omitempty"`
	Consent          map[string]bool         `json:"consent,omitempty"`
	Failed           []string                `json:"failed,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <datasets-dir>",
		Short: "Run one privacy request to completion",
		Long: `Run a privacy request for an identity against the datasets in a
directory, under a policy, and print the access results the policy allows.

The queue scheduler persists every task in the task store, so "dsr status"
and "dsr logs" can inspect the request afterwards. The memory scheduler
persists only the request and its execution log.

Example:
  dsr run --db ./dsr.db --policy policy.yml --fixtures rows.yml \
    --identity email=jane@example.com ./datasets
  dsr run --scheduler memory --policy policy.yml --identity email=jane@example.com ./datasets`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite task store (overrides config)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to the policy YAML file (required)")
	cmd.Flags().StringVar(&opts.Fixtures, "fixtures", "", "rows served by memory connections, keyed by collection address")
	cmd.Flags().StringArrayVar(&opts.Identity, "identity", nil, "identity seed as key=value (repeatable, required)")
	cmd.Flags().StringVar(&opts.Scheduler, "scheduler", "", "scheduler backend (memory|queue, overrides config)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent task bodies (overrides config)")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("identity")

	return cmd
}

// applyOverrides layers command-line flags over cfg.
func (o *RunOptions) applyOverrides(cfg *config.Config) {
	if o.Database != "" {
		cfg.Database = config.Database{Path: o.Database}
	}
	if o.Scheduler != "" {
		cfg.Scheduler = o.Scheduler
	}
	if o.Workers > 0 {
		cfg.Workers = o.Workers
	}
}

func runRequest(opts *RunOptions, dir string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(asExitError(err))
	}
	opts.applyOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return f.Fail(WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "invalid flags", err))
	}

	g, _, err := loadGraph(dir)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	p, err := policy.Load(opts.Policy)
	if err != nil {
		return f.Fail(WrapExitError(ExitCommandError, ErrCodeInvalidConfig, "loading policy", err))
	}
	seed, err := parseIdentity(opts.Identity)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	tr, err := traverse(g, seed)
	if err != nil {
		return f.Fail(asExitError(err))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return f.Fail(asExitError(err))
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			slog.Error("closing runtime", "error", cerr)
		}
	}()
	factory, err := rt.connectors(opts.Fixtures)
	if err != nil {
		return f.Fail(asExitError(err))
	}

	r := rt.runner(factory, p)
	slog.Info("running privacy request", "scheduler", r.Name(), "policy", p.Key, "collections", len(tr.Order))
	res, runErr := r.Run(ctx, tr, p)
	if res == nil {
		return f.Fail(WrapExitError(ExitFailure, ErrCodeRequestFailed, "privacy request failed", runErr))
	}

	out := RunResult{
		PrivacyRequestID: res.PrivacyRequestID,
		Scheduler:        r.Name(),
		Status:           res.Status,
		Access:           res.Filtered(g, p),
		Erasure:          res.Erasure,
		Consent:          res.Consent,
		Failed:           res.Failed,
	}
	if err := f.Success(out, renderRun(out)); err != nil {
		return err
	}
	if runErr != nil || res.Status != model.RequestComplete {
		msg := fmt.Sprintf("privacy request %s ended %s", res.PrivacyRequestID, res.Status)
		return WrapExitError(ExitFailure, ErrCodeRequestFailed, msg, runErr)
	}
	return nil
}

func renderRun(r RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Privacy request %s: %s (%s scheduler)\n", r.PrivacyRequestID, r.Status, r.Scheduler)

	addrs := make([]string, 0, len(r.Access))
	for a := range r.Access {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		rows := r.Access[a]
		fmt.Fprintf(&b, "\n%s (%d row(s))\n", a, len(rows))
		for _, row := range rows {
			s, err := rowset.CanonicalString(row)
			if err != nil {
				s = fmt.Sprint(row)
			}
			fmt.Fprintf(&b, "  %s\n", s)
		}
	}
	if len(r.Erasure) > 0 {
		b.WriteString("\nErasure:\n")
		for _, a := range sortedKeys(r.Erasure) {
			fmt.Fprintf(&b, "  %s: %d row(s) masked\n", a, r.Erasure[a])
		}
	}
	if len(r.Consent) > 0 {
		b.WriteString("\nConsent:\n")
		for _, a := range sortedKeys(r.Consent) {
			fmt.Fprintf(&b, "  %s: sent=%t\n", a, r.Consent[a])
		}
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, "\nFailed: %s\n", strings.Join(r.Failed, ", "))
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
