package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"exam-session-service/internal/app"
	"exam-session-service/internal/config"
	"exam-session-service/internal/domain"
	"github.com/spf13/cobra"
)

// NewExamCmd groups the commands a student runs against shared storage.
// Each invocation behaves like one more open tab.
func NewExamCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exam",
		Short: "Take an exam from the terminal",
	}
	cmd.AddCommand(
		newExamBeginCmd(configPath),
		newExamStatusCmd(configPath),
		newExamAnswerCmd(configPath, false),
		newExamAnswerCmd(configPath, true),
		newExamShowCmd(configPath),
		newExamSubmitCmd(configPath),
		newExamStopCmd(configPath),
	)
	return cmd
}

// examEnv is one tab over the configured storage.
type examEnv struct {
	*env
	timer    *app.SessionTimer
	drafts   *app.DraftStore
	gate     *app.SubmissionGate
	attempts *app.Attempts
}

func openExamEnv(ctx context.Context, configPath string) (*examEnv, error) {
	e, err := setup(ctx, configPath, false)
	if err != nil {
		return nil, err
	}
	if e.cfg.StorageBackend() == config.BackendMemory {
		e.log.Warn().Msg("memory storage does not outlive this command, configure redis or postgres")
	}
	timer := app.NewSessionTimer(e.store, e.opts...)
	if err := timer.Refresh(ctx); err != nil {
		e.close()
		return nil, err
	}
	e.closers = append(e.closers, timer.Close)
	drafts := app.NewDraftStore(e.store, e.opts...)
	return &examEnv{
		env:      e,
		timer:    timer,
		drafts:   drafts,
		gate:     app.NewSubmissionGate(timer, drafts, e.grading, e.opts...),
		attempts: app.NewAttempts(timer, e.grading, e.opts...),
	}, nil
}

func withExamEnv(cmd *cobra.Command, configPath string, fn func(ctx context.Context, x *examEnv) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	x, err := openExamEnv(ctx, configPath)
	if err != nil {
		return err
	}
	defer x.close()
	if err := fn(ctx, x); err != nil {
		return fmt.Errorf("%s (%s)", domain.UserMessage(err), err)
	}
	return nil
}

func newExamBeginCmd(configPath *string) *cobra.Command {
	var assignmentID string
	cmd := &cobra.Command{
		Use:   "begin <exam-id>",
		Short: "Start an attempt; the grading backend decides its duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExamEnv(cmd, *configPath, func(ctx context.Context, x *examEnv) error {
				state, err := x.attempts.Begin(ctx, args[0], assignmentID)
				if err != nil {
					return err
				}
				printState(cmd.OutOrStdout(), state)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignmentID, "assignment", "", "assignment id")
	return cmd
}

func newExamStatusCmd(configPath *string) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running exam and its remaining time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExamEnv(cmd, *configPath, func(ctx context.Context, x *examEnv) error {
				if !follow {
					printState(cmd.OutOrStdout(), x.timer.State())
					return nil
				}
				if err := x.timer.Init(ctx); err != nil {
					return err
				}
				updates, cancel := x.timer.Subscribe()
				defer cancel()
				for {
					select {
					case state, ok := <-updates:
						if !ok {
							return nil
						}
						printState(cmd.OutOrStdout(), state)
						if !state.Active() {
							return nil
						}
					case <-ctx.Done():
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing every tick until the session ends")
	return cmd
}

func newExamAnswerCmd(configPath *string, save bool) *cobra.Command {
	use, short := "answer", "Record answers as a draft"
	if save {
		use, short = "save", "Record answers and mark the module as saved"
	}
	return &cobra.Command{
		Use:   use + " <exam-id> <module> <question-id>=<answer>...",
		Short: short,
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, err := domain.ParseModule(args[1])
			if err != nil {
				return err
			}
			answers, err := parseAnswers(args[2:])
			if err != nil {
				return err
			}
			return withExamEnv(cmd, *configPath, func(ctx context.Context, x *examEnv) error {
				if !save {
					return x.drafts.MergeModule(ctx, args[0], module, answers)
				}
				savedAt, err := x.drafts.SaveProgress(ctx, args[0], module, answers)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s at %s\n", module, savedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

func newExamShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <exam-id>",
		Short: "Print the stored drafts of an exam",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExamEnv(cmd, *configPath, func(ctx context.Context, x *examEnv) error {
				bundle, err := x.drafts.Load(ctx, args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(bundle); err != nil {
					return err
				}
				for _, module := range []domain.Module{domain.ModuleReading, domain.ModuleWriting, domain.ModuleAudio} {
					savedAt, ok, err := x.drafts.LastSaved(ctx, args[0], module)
					if err != nil {
						return err
					}
					if ok {
						fmt.Fprintf(cmd.OutOrStdout(), "%s last saved %s\n", module, savedAt.Format(time.RFC3339))
					}
				}
				return nil
			})
		},
	}
}

func newExamSubmitCmd(configPath *string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "submit <exam-id>",
		Short: "Submit the exam for grading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExamEnv(cmd, *configPath, func(ctx context.Context, x *examEnv) error {
				confirmer := newTerminalConfirmer(cmd.InOrStdin(), cmd.OutOrStdout(), yes)
				summary, err := x.gate.Submit(ctx, args[0], confirmer)
				if err != nil {
					return err
				}
				printSummary(cmd.OutOrStdout(), summary)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "submit without asking")
	return cmd
}

func newExamStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "End the running session without submitting; drafts are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExamEnv(cmd, *configPath, func(ctx context.Context, x *examEnv) error {
				return x.attempts.Logout(ctx)
			})
		},
	}
}

// parseAnswers turns q=a pairs into answers; true and false become booleans.
func parseAnswers(pairs []string) (domain.Answers, error) {
	answers := make(domain.Answers, len(pairs))
	for _, pair := range pairs {
		questionID, value, ok := strings.Cut(pair, "=")
		if !ok || questionID == "" {
			return nil, fmt.Errorf("invalid answer %q, want <question-id>=<answer>", pair)
		}
		switch value {
		case "true":
			answers[questionID] = true
		case "false":
			answers[questionID] = false
		default:
			answers[questionID] = value
		}
	}
	return answers, nil
}

func printState(w io.Writer, state domain.TimerState) {
	if !state.Active() {
		fmt.Fprintln(w, "no active exam")
		return
	}
	fmt.Fprintf(w, "%s %s remaining\n", state.ActiveExamID, state.Formatted)
}

func printSummary(w io.Writer, summary *domain.SubmissionSummary) {
	fmt.Fprintf(w, "submitted %s\n", summary.ExamID)
	if summary.Score == nil && summary.Passed == nil {
		fmt.Fprintln(w, "grading is pending")
	}
	if summary.Score != nil {
		fmt.Fprintf(w, "score: %g\n", *summary.Score)
	}
	if summary.Passed != nil {
		fmt.Fprintf(w, "passed: %t\n", *summary.Passed)
	}
	if summary.Message != "" {
		fmt.Fprintln(w, summary.Message)
	}
}
