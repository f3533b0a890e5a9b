package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"courier/internal/model"
	"courier/internal/service"
)

var (
	runEnvID   int64
	runPersist bool
	runCmd     = &cobra.Command{
		Use:   "run <file.yaml>",
		Short: "Execute a request or collection file",
		Long: `Execute a YAML file holding either a single request (request, preScript,
postScript, assertions) or a collection (steps). Variables come from the
file's inline environment, or from a stored environment with --env-id.
The result is printed as JSON; the command exits non-zero when any check fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			input, err := loadRunFile(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.shutdown()

			ctx := cmd.Context()
			if runEnvID > 0 {
				env, ok, err := a.queries.LoadEnvironment(ctx, runEnvID)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("environment %d not found", runEnvID)
				}
				input.Environment = env
			}

			result, runErr := a.collectionRunner.Run(ctx, input)

			if runPersist && runEnvID > 0 && !result.EnvChanges.IsEmpty() {
				if _, err := a.queries.ApplyChanges(ctx, runEnvID, result.EnvChanges); err != nil {
					a.logger.Warn("failed to persist environment changes", zap.Int64("environment_id", runEnvID), zap.Error(err))
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}

			a.logger.Info("run finished",
				zap.Int("passed", result.Passed),
				zap.Int("failed", result.Failed),
				zap.Int64("duration_ms", result.TotalTimeMs),
			)
			if runErr != nil {
				return runErr
			}
			if !result.Success {
				return errRunFailed
			}
			return nil
		},
	}
)

func init() {
	runCmd.Flags().Int64Var(&runEnvID, "env-id", 0, "stored environment to resolve variables from")
	runCmd.Flags().BoolVar(&runPersist, "persist", false, "write environment changes back to the stored environment")
}

// runFile is the on-disk shape of a request or collection file.
type runFile struct {
	Name            string                   `yaml:"name"`
	Request         *model.RequestSpec       `yaml:"request"`
	PreScript       string                   `yaml:"preScript"`
	PostScript      string                   `yaml:"postScript"`
	Assertions      []model.Assertion        `yaml:"assertions"`
	Steps           []service.CollectionStep `yaml:"steps"`
	Environment     model.Environment        `yaml:"environment"`
	ContinueOnError bool                     `yaml:"continueOnError"`
}

// loadRunFile decodes a run file into a collection run. A single request
// becomes a one-step collection.
func loadRunFile(r io.Reader) (service.CollectionRunInput, error) {
	var f runFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return service.CollectionRunInput{}, fmt.Errorf("failed to parse run file: %w", err)
	}

	input := service.CollectionRunInput{
		Steps:           f.Steps,
		Environment:     f.Environment,
		ContinueOnError: f.ContinueOnError,
	}
	switch {
	case f.Request != nil && len(f.Steps) > 0:
		return input, errors.New("run file must define either request or steps, not both")
	case f.Request != nil:
		name := f.Name
		if name == "" {
			name = f.Request.Name
		}
		input.Steps = []service.CollectionStep{{
			Name:       name,
			Request:    *f.Request,
			PreScript:  f.PreScript,
			PostScript: f.PostScript,
			Assertions: f.Assertions,
		}}
	case len(f.Steps) == 0:
		return input, errors.New("run file defines no request")
	}

	for i, step := range input.Steps {
		if step.Request.URL == "" {
			return input, fmt.Errorf("step %d: request url is required", i+1)
		}
		if step.Request.Method == "" {
			input.Steps[i].Request.Method = "GET"
		}
	}
	return input, nil
}
