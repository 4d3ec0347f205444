package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/amp-labs/keyremap-controller/lifecycle"
	"github.com/spf13/cobra"
)

var (
	errBadDirection = errors.New("direction must be TD or LR")
	errTableInvalid = errors.New("transition table has defects")
)

func newDiagramCommand() *cobra.Command {
	var (
		mermaid   bool
		fenced    bool
		direction string
		audit     bool
	)

	cmd := &cobra.Command{
		Use:   "diagram",
		Short: "Print the lifecycle transition table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			direction = strings.ToUpper(direction)
			if direction != "TD" && direction != "LR" {
				return fmt.Errorf("%w: %q", errBadDirection, direction)
			}

			m := lifecycle.New()
			out := cmd.OutOrStdout()

			switch {
			case audit:
				data, err := m.ExportYAML()
				if err != nil {
					return err
				}

				_, err = out.Write(data)

				return err
			case mermaid:
				opts := lifecycle.DefaultDiagramOptions().WithDirection(direction).WithFenced(fenced)
				_, err := io.WriteString(out, lifecycle.GenerateMermaid(m.Table(), opts))

				return err
			default:
				_, err := io.WriteString(out, m.GenerateTransitionDiagram())

				return err
			}
		},
	}

	cmd.Flags().BoolVar(&mermaid, "mermaid", false, "emit a mermaid stateDiagram-v2")
	cmd.Flags().BoolVar(&fenced, "fenced", false, "wrap mermaid output in a markdown code fence")
	cmd.Flags().StringVar(&direction, "direction", "TD", "mermaid direction: TD or LR")
	cmd.Flags().BoolVar(&audit, "yaml", false, "emit the YAML audit export instead")

	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the transition table for dead ends and unreachable states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issues := lifecycle.New().ValidateStateMachine()
			out := cmd.OutOrStdout()

			if len(issues) == 0 {
				_, err := fmt.Fprintln(out, "transition table OK")

				return err
			}

			for _, issue := range issues {
				if _, err := fmt.Fprintln(out, issue); err != nil {
					return err
				}
			}

			return fmt.Errorf("%w: %d issue(s)", errTableInvalid, len(issues))
		},
	}
}
