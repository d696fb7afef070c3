// Command devitd runs the orchestration daemon: an authenticated IPC bus,
// the orchestration task-lifecycle actor, the approval-policy engine, the
// atomic patch applier, the HMAC-chained audit journal, and the supervised
// process registry, wired together behind the Core Facade.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/devit-sh/devitd/internal/config"
)

// Exit codes, per §6.
const (
	exitClean           = 0
	exitConfigError     = 1
	exitWatchdogTimeout = 2
	exitBusBindFailure  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "devitd",
		Short: "devitd is the orchestration daemon and its safety substrate",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemonCmd(cmd)
		},
	}
	config.BindFlags(runCmd)
	runCmd.Flags().Bool("debug", false, "enable debug logging")

	verifyCmd := &cobra.Command{
		Use:   "verify-journal [path]",
		Short: "Verify the HMAC chain of a journal file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerifyJournal(cmd, args)
		},
	}
	verifyCmd.Flags().String("secret", "", "journal HMAC secret (defaults to DEVIT_JOURNAL_SECRET)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the daemon's build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}

	root.AddCommand(runCmd, verifyCmd, versionCmd)

	exitCode := exitClean
	root.SilenceUsage = true
	root.SilenceErrors = true
	if err := root.Execute(); err != nil {
		if code, ok := err.(exitCoder); ok {
			exitCode = code.ExitCode()
		} else {
			exitCode = exitConfigError
		}
		fmt.Fprintln(os.Stderr, "devitd:", err)
	}
	return exitCode
}

// version is overridden at build time via -ldflags.
var version = "dev"

// exitCoder lets a command's error carry a specific process exit code
// through cobra's generic error return.
type exitCoder interface {
	error
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) ExitCode() int { return e.code }
func (e *exitError) Unwrap() error { return e.err }

func runDaemonCmd(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	d, err := newDaemon(cfg)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	defer d.Close()

	if err := d.ListenAndServe(ctx); err != nil {
		if d.bindFailed {
			return &exitError{code: exitBusBindFailure, err: err}
		}
		return &exitError{code: exitWatchdogTimeout, err: err}
	}
	return nil
}

func runVerifyJournal(cmd *cobra.Command, args []string) error {
	path := "journal.jsonl"
	if len(args) > 0 {
		path = args[0]
	}
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = os.Getenv("DEVIT_JOURNAL_SECRET")
	}

	ok, err := verifyJournalChain(path, []byte(secret))
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	if !ok {
		return &exitError{code: exitConfigError, err: fmt.Errorf("journal chain verification failed for %s", path)}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "journal %s: chain OK\n", path)
	return nil
}
