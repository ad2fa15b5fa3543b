package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/common"
	"github.com/joseph-ayodele/workledger/internal/export"
	"github.com/joseph-ayodele/workledger/internal/ingest"
	"github.com/joseph-ayodele/workledger/internal/themaads"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage themed ad duplication jobs",
	}
	cmd.AddCommand(
		jobsCreateCommand(),
		jobsRunCommand(),
		jobsResumeCommand(),
		jobsPauseCommand(),
		jobsRetryCommand(),
		jobsDeleteCommand(),
		jobsStatusCommand(),
		jobsListCommand(),
		jobsExportCommand(),
		jobsRecoverCommand(),
	)
	return cmd
}

func jobsCreateCommand() *cobra.Command {
	var (
		file, theme, name string
		start             bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from a customer/campaign/ad group file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := ingest.ReadAdGroups(file)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if theme == "" {
				theme = a.cfg.Ads.Theme
			}
			th, ok := constants.CanonicalizeTheme(theme)
			if !ok {
				return fmt.Errorf("unknown theme %q (known: %s)", theme, strings.Join(constants.ThemesAsStringSlice(), ", "))
			}
			if name == "" {
				name = string(th)
			}
			ctrl, err := a.controller(cmd.Context(), true)
			if err != nil {
				return err
			}
			job, err := ctrl.Create(cmd.Context(), name, themaads.Kind(th), filepath.Base(file), items)
			if err != nil {
				return err
			}
			if !start {
				fmt.Fprintf(stdout, "created job %s with %d items\n", job.ID, job.Total)
				return nil
			}
			sum, runErr := ctrl.Start(cmd.Context(), job.ID)
			if err := printSummary(sum); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "csv or xlsx with customer id, campaign name and ad group id columns")
	cmd.Flags().StringVarP(&theme, "theme", "t", "", "theme (default THEME): "+strings.Join(constants.ThemesAsStringSlice(), ", "))
	cmd.Flags().StringVar(&name, "name", "", "job name (default the theme)")
	cmd.Flags().BoolVar(&start, "start", false, "run the job right after creating it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func jobsRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a pending job in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), true)
			if err != nil {
				return err
			}
			sum, runErr := ctrl.Start(cmd.Context(), args[0])
			if err := printSummary(sum); err != nil {
				return err
			}
			return runErr
		},
	}
}

func jobsResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Continue a paused or failed job from its unfinished items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), true)
			if err != nil {
				return err
			}
			sum, runErr := ctrl.Resume(cmd.Context(), args[0])
			if err := printSummary(sum); err != nil {
				return err
			}
			return runErr
		},
	}
}

func jobsPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Mark a job paused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), false)
			if err != nil {
				return err
			}
			job, err := ctrl.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func jobsRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset failed items to pending so resume picks them up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), false)
			if err != nil {
				return err
			}
			n, err := ctrl.RetryFailed(cmd.Context(), args[0])
			if errors.Is(err, common.ErrNothingToDo) {
				fmt.Fprintf(stdout, "job %s has no failed items\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "reset %d failed items\n", n)
			return nil
		},
	}
}

func jobsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job that is not running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := ctrl.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "deleted job %s\n", args[0])
			return nil
		},
	}
}

func jobsStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job and its item counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), false)
			if err != nil {
				return err
			}
			p, err := ctrl.Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			job, err := ctrl.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJob(job, p)
		},
	}
}

func jobsListCommand() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), false)
			if err != nil {
				return err
			}
			js := make([]constants.JobStatus, 0, len(statuses))
			for _, s := range statuses {
				js = append(js, constants.JobStatus(s))
			}
			list, err := ctrl.List(cmd.Context(), js...)
			if err != nil {
				return err
			}
			return printJobs(list)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only jobs in these statuses")
	return cmd
}

func jobsExportCommand() *cobra.Command {
	var (
		out, format string
		statuses    []string
	)
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export a job's items as XLSX or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			is := make([]constants.JobItemStatus, 0, len(statuses))
			for _, s := range statuses {
				is = append(is, constants.JobItemStatus(s))
			}
			data, err := a.exportService().ExportJobItems(cmd.Context(), args[0], f, is...)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("job-%s-%s.%s", args[0], time.Now().Format("20060102-150405"), f)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default job-<id>-<timestamp>.<format>)")
	cmd.Flags().StringVar(&format, "format", "xlsx", "xlsx or csv")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only items in these statuses")
	return cmd
}

// jobsRecoverCommand pauses jobs left running by a process that died. Only
// run it when no other process is working on jobs.
func jobsRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Pause jobs left running by a crashed process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctrl, err := a.controller(cmd.Context(), false)
			if err != nil {
				return err
			}
			n, err := ctrl.RecoverInterrupted(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "paused %d interrupted jobs\n", n)
			return nil
		},
	}
}
