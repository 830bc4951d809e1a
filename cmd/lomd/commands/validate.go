package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/lom/pkg/config"
	"github.com/openfroyo/lom/pkg/policy"
)

// validationReport is the JSON form of a validate run.
type validationReport struct {
	Path     string                   `json:"path"`
	Valid    bool                     `json:"valid"`
	Errors   []config.ValidationError `json:"errors,omitempty"`
	Actions  int                      `json:"actions"`
	Policies int                      `json:"policies"`
}

func newValidateCommand(g *globals) *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration and its failure policies",
		Long: `Validate a CUE or JSON configuration without starting the daemon.

This command checks:
  - CUE syntax and schema conformance
  - Value constraints such as heartbeat_tolerance >= 1
  - That every eligible_if expression compiles
  - That every failure policy compiles in package lom.failure`,
		Example: `  # Validate the configured file
  lomd validate --config /etc/lom/lom.cue

  # Validate a directory together with its policies
  lomd validate /etc/lom --policies /etc/lom/policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no configuration path given")
			}

			report := validate(cmd, path, policyPaths)
			if g.jsonOutput {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(cmd, report)
			}
			if !report.Valid {
				return fmt.Errorf("%s is invalid", path)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policies", nil, "policy files or directories to compile")

	return cmd
}

func validate(cmd *cobra.Command, path string, policyPaths []string) validationReport {
	report := validationReport{Path: path}

	cfg, err := config.Load(path)
	if err != nil {
		report.Errors = asValidationErrors(err)
		return report
	}
	report.Actions = len(cfg.Actions)

	evaluator := config.NewEligibilityEvaluator(config.DefaultEvalTimeout, zerolog.Nop())
	names := make([]string, 0, len(cfg.Actions))
	for name := range cfg.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expr := cfg.Actions[name].EligibleIf
		if expr == "" {
			continue
		}
		if err := evaluator.Check(expr); err != nil {
			report.Errors = append(report.Errors, config.ValidationError{
				Path:    "actions." + name + ".eligible_if",
				Message: err.Error(),
			})
		}
	}

	if len(policyPaths) > 0 {
		engine, err := policy.NewEngine(zerolog.Nop())
		if err == nil {
			err = engine.LoadPolicies(cmd.Context(), policyPaths)
		}
		if err != nil {
			report.Errors = append(report.Errors, config.ValidationError{Path: "policies", Message: err.Error()})
		} else {
			report.Policies = len(engine.ListPolicies())
		}
	}

	report.Valid = len(report.Errors) == 0
	return report
}

func asValidationErrors(err error) []config.ValidationError {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return verrs
	}
	return []config.ValidationError{{Message: err.Error()}}
}

func printReport(cmd *cobra.Command, report validationReport) {
	w := out(cmd)
	if report.Valid {
		fmt.Fprintf(w, "%s %s: %d actions, %d policies\n",
			color.GreenString("OK"), report.Path, report.Actions, report.Policies)
		return
	}
	fmt.Fprintf(w, "%s %s\n", color.RedString("INVALID"), report.Path)
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  %s\n", e.String())
	}
}
