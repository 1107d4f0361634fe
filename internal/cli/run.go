package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"jobmatrix/internal/manifest"
	"jobmatrix/internal/router"
	"jobmatrix/internal/status"
)

const defaultRef = "refs/heads/main"

type eventFlags struct {
	name       string
	action     string
	ref        string
	sha        string
	baseRef    string
	headRef    string
	payload    string
	repository string
	actor      string
	changed    []string
	inputs     []string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.name, "event", "push", "event name")
	flags.StringVar(&f.action, "action", "", "event activity type, e.g. opened")
	flags.StringVar(&f.ref, "ref", "", "git ref (default "+defaultRef+" unless the payload names one)")
	flags.StringVar(&f.sha, "sha", "", "commit sha")
	flags.StringVar(&f.baseRef, "base-ref", "", "pull request target branch")
	flags.StringVar(&f.headRef, "head-ref", "", "pull request source branch")
	flags.StringVar(&f.payload, "payload", "", "event payload JSON file (comments allowed)")
	flags.StringVar(&f.repository, "repository", "", "owner/name of the repository")
	flags.StringVar(&f.actor, "actor", os.Getenv("USER"), "user that triggered the event")
	flags.StringArrayVar(&f.changed, "changed", nil, "changed file path (repeatable); enables path filters")
	flags.StringArrayVar(&f.inputs, "input", nil, "workflow_dispatch input as key=value (repeatable)")
}

// event builds the triggering event. Explicit flags win over the payload.
func (f *eventFlags) event(cmd *cobra.Command) (router.Event, error) {
	ev := router.Event{
		Name:       f.name,
		Action:     f.action,
		Ref:        f.ref,
		SHA:        f.sha,
		BaseRef:    f.baseRef,
		HeadRef:    f.headRef,
		Repository: f.repository,
		Actor:      f.actor,
	}
	if cmd.Flags().Changed("changed") {
		ev.ChangedFiles = f.changed
	}

	if len(f.inputs) > 0 {
		ev.Inputs = make(map[string]string, len(f.inputs))
		for _, kv := range f.inputs {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return router.Event{}, fmt.Errorf("invalid --input %q, expected key=value", kv)
			}
			ev.Inputs[strings.TrimSpace(key)] = value
		}
	}

	if f.payload != "" {
		payload, err := router.LoadPayload(f.payload)
		if err != nil {
			return router.Event{}, err
		}
		ev.ApplyPayload(payload)
	}
	if ev.Ref == "" {
		ev.Ref = defaultRef
	}
	return ev, nil
}

func newRunCommand(app *App) *cobra.Command {
	var flags eventFlags

	cmd := &cobra.Command{
		Use:   "run <workflow.yml|dir>...",
		Short: "Run the workflows triggered by an event",
		Long: `Run every workflow that the event triggers.

Arguments are workflow files or directories of *.yml/*.yaml files.
Workflows whose triggers do not match the event are skipped.
The command exits non-zero when any run failed or was cancelled.

Examples:
  jobmatrix run .github/workflows
  jobmatrix run ci.yml --event pull_request --base-ref main --changed src/app.py
  jobmatrix run release.yml --event workflow_dispatch --input level=debug`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflows, err := loadWorkflows(args)
			if err != nil {
				return err
			}
			ev, err := flags.event(cmd)
			if err != nil {
				return err
			}

			reports, err := app.orchestrator().Dispatch(cmd.Context(), workflows, ev)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				app.Printer.Text("No workflow is triggered by %s on %s.", ev.Name, ev.Ref)
				return nil
			}
			for _, r := range reports {
				if r.Status == status.StatusFailed || r.Status == status.StatusCancelled {
					return NewExitError(1)
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// loadWorkflows reads workflow files and directories in argument order.
func loadWorkflows(paths []string) ([]*manifest.Workflow, error) {
	var workflows []*manifest.Workflow
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read workflow: %w", err)
		}
		if info.IsDir() {
			ws, err := manifest.ReadDir(path)
			if err != nil {
				return nil, err
			}
			if len(ws) == 0 {
				return nil, fmt.Errorf("no workflow files in %s", path)
			}
			workflows = append(workflows, ws...)
			continue
		}
		w, err := manifest.ReadFromFile(path)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}
