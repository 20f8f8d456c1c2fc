package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/workflow"
)

var (
	userID string

	// resume flags
	rsRunID      string
	rsStep       string
	rsAnswer     string
	rsPlan       int
	rsAction     string
	rsText       string
	rsTarget     string
	rsSuggestion int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id sent with start and resume")

	resumeCmd.Flags().StringVar(&rsRunID, "run", "", "run id (required)")
	resumeCmd.Flags().StringVar(&rsStep, "step", "", "suspended step: classify or quality-gate (required)")
	resumeCmd.Flags().StringVar(&rsAnswer, "answer", "", "answer to a clarification question, or the message for --action new")
	resumeCmd.Flags().IntVar(&rsPlan, "plan", -1, "index of the chosen interpretation")
	resumeCmd.Flags().StringVar(&rsAction, "action", "", "quality-gate action: refine, reroute, dismiss, suggestion, new")
	resumeCmd.Flags().StringVar(&rsText, "text", "", "additional instructions for --action refine")
	resumeCmd.Flags().StringVar(&rsTarget, "target", "", "worker id for --action reroute")
	resumeCmd.Flags().IntVar(&rsSuggestion, "suggestion", -1, "suggestion index for --action suggestion")
	_ = resumeCmd.MarkFlagRequired("run")
	_ = resumeCmd.MarkFlagRequired("step")
}

var startCmd = &cobra.Command{
	Use:   "start <message>",
	Short: "Start a run",
	Long: `Start a run for a message. Remaining arguments are joined with spaces.

Examples:
  routerctl start "hi"
  routerctl start --user alice "find the onboarding docs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := workflow.StartRequest{UserID: userID, Message: strings.Join(args, " ")}
		return call(cmd, http.MethodPost, "/v1/runs/start", req)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a suspended run",
	Long: `Resume a run that is waiting for input.

Examples:
  # Answer a clarification question
  routerctl resume --run <id> --step classify --answer "EMEA only"

  # Pick the second interpretation of an ambiguous message
  routerctl resume --run <id> --step classify --plan 1

  # Refine, reroute or dismiss a rejected result
  routerctl resume --run <id> --step quality-gate --action refine --text "only 2024 data"
  routerctl resume --run <id> --step quality-gate --action reroute --target catalog
  routerctl resume --run <id> --step quality-gate --action suggestion --suggestion 0`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := resumeRequest()
		if err != nil {
			return err
		}
		return call(cmd, http.MethodPost, "/v1/runs/resume", req)
	},
}

func resumeRequest() (workflow.ResumeRequest, error) {
	req := workflow.ResumeRequest{
		RunID:  rsRunID,
		UserID: userID,
		Step:   state.StepRef(rsStep),
		Data: state.ResumeData{
			UserAnswer:   rsAnswer,
			Action:       state.ResumeAction(rsAction),
			Instructions: rsText,
			Target:       rsTarget,
		},
	}

	switch req.Step {
	case state.StepClassify:
		if rsAction != "" {
			return req, fmt.Errorf("--action applies to the quality-gate step only")
		}
	case state.StepQualityGate:
		if rsAction == "" {
			return req, fmt.Errorf("--action is required for the quality-gate step")
		}
	default:
		return req, fmt.Errorf("unknown step %q", rsStep)
	}

	if rsPlan >= 0 {
		plan := rsPlan
		req.Data.SelectedPlan = &plan
	}
	if rsSuggestion >= 0 {
		idx := rsSuggestion
		req.Data.SuggestionIndex = &idx
	}
	return req, nil
}
