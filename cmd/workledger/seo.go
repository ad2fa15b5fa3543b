package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/workledger/constants"
	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/export"
	"github.com/joseph-ayodele/workledger/internal/ingest"
	"github.com/joseph-ayodele/workledger/internal/scrape"
)

func newSEOCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seo",
		Short: "Generate SEO content for listing pages",
	}
	cmd.AddCommand(
		seoRunCommand(),
		seoLoopCommand(),
		seoStatusCommand(),
		seoExportCommand(),
		seoEnqueueCommand(),
		seoPullCommand(),
		seoImportCommand(),
		seoMaintenanceCommand("sync-flags", "Mark every key with an output as done in both stores"),
		seoMaintenanceCommand("repair", "Recompute ledger flags from outputs and tracking"),
		seoMaintenanceCommand("dedupe", "Keep one output row per key"),
		seoValidateLinksCommand(),
		seoWatchCommand(),
		seoGenerateCommand(),
	)
	return cmd
}

func batchFlags(cmd *cobra.Command, size, workers *int) {
	cmd.Flags().IntVar(size, "batch-size", 0, "items per batch (default BATCH_SIZE)")
	cmd.Flags().IntVar(workers, "workers", 0, "parallel workers (default WORKER_COUNT)")
}

func (a *app) applyBatchFlags(size, workers int) {
	if size > 0 {
		a.cfg.Batch.Size = size
	}
	if workers > 0 {
		a.cfg.Batch.Workers = workers
	}
}

func seoRunCommand() *cobra.Command {
	var size, workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch of pending URLs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.applyBatchFlags(size, workers)

			sched, err := a.seoScheduler()
			if err != nil {
				return err
			}
			res, err := sched.RunBatch(cmd.Context(), a.cfg.Batch.Size, a.cfg.Batch.Workers)
			if err != nil {
				return err
			}
			return printBatch(res)
		},
	}
	batchFlags(cmd, &size, &workers)
	return cmd
}

func seoLoopCommand() *cobra.Command {
	var (
		size, workers, maxBatches int
		stopOnRateLimit           bool
	)
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run batches until nothing is pending, rate limited or interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.applyBatchFlags(size, workers)
			if stopOnRateLimit {
				a.cfg.Batch.StopOnRateLimit = true
			}

			sched, err := a.seoScheduler()
			if err != nil {
				return err
			}
			rc := a.runnerConfig()
			rc.MaxBatches = maxBatches
			sum, runErr := core.NewRunner(sched, rc, a.logger).Run(cmd.Context())
			if err := printSummary(sum); err != nil {
				return err
			}
			return runErr
		},
	}
	batchFlags(cmd, &size, &workers)
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 = no limit)")
	cmd.Flags().BoolVar(&stopOnRateLimit, "stop-on-rate-limit", false, "stop instead of backing off when rate limited")
	return cmd
}

func seoStatusCommand() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show processing counts and the newest outputs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			rep, err := a.seoService().Status(cmd.Context(), recent)
			if err != nil {
				return err
			}
			return printReport(rep)
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 5, "number of recent outputs to show")
	return cmd
}

func seoExportCommand() *cobra.Command {
	var (
		out, format string
		statuses    []string
		links       bool
		brokenOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export failed and skipped URLs, or link reports, as XLSX or CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			svc := a.exportService()
			var data []byte
			if links {
				data, err = svc.ExportLinkReports(cmd.Context(), f, brokenOnly)
			} else {
				ts := make([]constants.TrackingStatus, 0, len(statuses))
				for _, s := range statuses {
					ts = append(ts, constants.TrackingStatus(s))
				}
				data, err = svc.ExportTracking(cmd.Context(), f, ts...)
			}
			if err != nil {
				return err
			}
			if out == "" {
				name := "tracking"
				if links {
					name = "link-reports"
				}
				out = fmt.Sprintf("%s-%s.%s", name, time.Now().Format("20060102-150405"), f)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <kind>-<timestamp>.<format>)")
	cmd.Flags().StringVar(&format, "format", "xlsx", "xlsx or csv")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "tracking statuses to export (default failed,skipped)")
	cmd.Flags().BoolVar(&links, "links", false, "export link validation reports instead of tracking")
	cmd.Flags().BoolVar(&brokenOnly, "broken-only", false, "with --links, only reports with broken links")
	return cmd
}

func seoEnqueueCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "enqueue [file...]",
		Short: "Add URLs from csv, txt or xlsx files as pending work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" && len(args) == 0 {
				return fmt.Errorf("pass at least one file or --dir")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var urls []string
			for _, path := range args {
				got, err := ingest.ReadURLs(path)
				if err != nil {
					return err
				}
				urls = append(urls, got...)
			}
			if dir != "" {
				got, results, stats, err := ingest.ReadDirectory(dir, true)
				if err != nil {
					return err
				}
				for _, r := range results {
					if r.Err != "" {
						a.logger.Warn("seo.enqueue.file_failed", "path", r.Path, "error", r.Err)
					}
				}
				a.logger.Info("seo.enqueue.dir", "root", dir, "scanned", stats.Scanned, "matched", stats.Matched, "failed", stats.Failed)
				urls = append(urls, got...)
			}

			n, err := a.seoService().Enqueue(cmd.Context(), urls)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "read %d urls, enqueued %d new\n", len(urls), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "read every supported file under this directory")
	return cmd
}

func seoPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Copy the warehouse's pending keys into the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.seoService().Pull(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "enqueued %d keys from the warehouse\n", n)
			return nil
		},
	}
}

func seoImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import pre-generated content from a url;content file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := ingest.ReadContent(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.seoService().Import(cmd.Context(), rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "read %d rows, imported %d outputs\n", len(rows), n)
			return nil
		},
	}
}

func seoMaintenanceCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			svc := a.seoService()
			ctx := cmd.Context()
			switch name {
			case "sync-flags":
				stats, err := svc.SyncFlags(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "flags: %d, mirrored: %d, mirror failures: %d\n", stats.Flags, stats.MirroredFlags, stats.MirrorFailures)
			case "repair":
				n, err := svc.Repair(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "repaired %d keys\n", n)
			case "dedupe":
				n, err := svc.Dedupe(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "removed %d duplicate outputs\n", n)
			}
			return nil
		},
	}
}

func seoValidateLinksCommand() *cobra.Command {
	var size, workers, maxBatches int
	cmd := &cobra.Command{
		Use:   "validate-links",
		Short: "Check the links of every output without a link report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.applyBatchFlags(size, workers)

			sched, err := a.linkScheduler()
			if err != nil {
				return err
			}
			rc := a.runnerConfig()
			rc.MaxBatches = maxBatches
			sum, runErr := core.NewRunner(sched, rc, a.logger).Run(cmd.Context())
			if err := printSummary(sum); err != nil {
				return err
			}
			return runErr
		},
	}
	batchFlags(cmd, &size, &workers)
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 = no limit)")
	return cmd
}

// seoWatchCommand enqueues the URLs of every list file dropped into the
// watched directories.
func seoWatchCommand() *cobra.Command {
	var (
		initial  bool
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>...",
		Short: "Watch directories and enqueue URLs from new list files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			svc := a.seoService()

			paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
				Roots:       args,
				InitialScan: initial,
				Debounce:    debounce,
			}, a.logger)
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					a.logger.Warn("seo.watch.error", "error", err)
				case path, ok := <-paths:
					if !ok {
						return nil
					}
					urls, err := ingest.ReadURLs(path)
					if err != nil {
						a.logger.Warn("seo.watch.read_failed", "path", path, "error", err)
						continue
					}
					if len(urls) == 0 {
						continue
					}
					n, err := svc.Enqueue(ctx, urls)
					if err != nil {
						a.logger.Error("seo.watch.enqueue_failed", "path", path, "error", err)
						continue
					}
					a.logger.Info("seo.watch.enqueued", "path", path, "urls", len(urls), "added", n)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&initial, "initial-scan", true, "also enqueue files already present")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "wait this long after the last write before reading a file")
	return cmd
}

// seoGenerateCommand runs the worker for one URL and prints the outcome
// without writing anything.
func seoGenerateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <url>",
		Short: "Scrape and generate content for one URL without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			w, err := a.seoWorker()
			if err != nil {
				return err
			}
			key := scrape.CleanURL(args[0])
			res := w.Process(cmd.Context(), key)
			if asJSON {
				return printJSON(map[string]any{
					"key":     res.Key,
					"outcome": res.Outcome.String(),
					"reason":  res.Reason,
					"output":  res.Output,
				})
			}
			fmt.Fprintf(stdout, "outcome: %s\n", res.Outcome)
			if res.Reason != "" {
				fmt.Fprintf(stdout, "reason:  %s (%s)\n", res.Reason, constants.DescribeReason(res.Reason))
			}
			if res.Output != "" {
				fmt.Fprintf(stdout, "\n%s\n", res.Output)
			}
			return nil
		},
	}
}
