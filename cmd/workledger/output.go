package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/joseph-ayodele/workledger/internal/core"
	"github.com/joseph-ayodele/workledger/internal/entity"
	"github.com/joseph-ayodele/workledger/internal/seo"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

func printBatch(res *core.BatchResult) error {
	if asJSON {
		return printJSON(res)
	}
	t := newTable(table.Row{"Batch", "Fetched", "Attempted", "Succeeded", "Skipped", "Failed", "Transient", "Rate Limited", "Duration"})
	t.AppendRow(table.Row{res.BatchID, res.Fetched, res.Attempted, res.Succeeded, res.Skipped, res.Failed, res.Transient, res.RateLimited, res.Duration.Round(time.Millisecond)})
	t.Render()
	if res.Commit.OutputFailures > 0 || res.Commit.MirrorFailures > 0 {
		fmt.Fprintf(stdout, "output write failures: %d, warehouse flag failures: %d\n", res.Commit.OutputFailures, res.Commit.MirrorFailures)
	}
	return nil
}

func printSummary(sum core.RunSummary) error {
	if asJSON {
		return printJSON(sum)
	}
	t := newTable(table.Row{"Batches", "Attempted", "Succeeded", "Skipped", "Failed", "Transient", "Rate Limit Hits", "Stopped"})
	t.AppendRow(table.Row{sum.Batches, sum.Attempted, sum.Succeeded, sum.Skipped, sum.Failed, sum.Transient, sum.RateLimitedHits, sum.StopReason})
	t.Render()
	return nil
}

func printReport(rep *seo.Report) error {
	if asJSON {
		return printJSON(rep)
	}
	c := rep.Counts
	t := newTable(table.Row{"Total", "Processed", "Succeeded", "Skipped", "Failed", "Pending"})
	t.AppendRow(table.Row{c.Total, c.Processed, c.Succeeded, c.Skipped, c.Failed, c.Pending})
	t.Render()
	if len(rep.RecentOutputs) == 0 {
		return nil
	}
	r := newTable(table.Row{"Recent Output", "Content"})
	for _, o := range rep.RecentOutputs {
		r.AppendRow(table.Row{o.Key, preview(o.Content, 80)})
	}
	r.Render()
	return nil
}

func printJobs(list []entity.Job) error {
	if asJSON {
		return printJSON(list)
	}
	t := newTable(table.Row{"ID", "Name", "Kind", "Status", "Total", "Processed", "OK", "Failed", "Skipped", "Created"})
	for _, j := range list {
		t.AppendRow(table.Row{j.ID, j.Name, j.Kind, j.Status, j.Total, j.Processed, j.Successful, j.Failed, j.Skipped, j.CreatedAt.Local().Format(time.DateTime)})
	}
	t.Render()
	return nil
}

func printJob(job *entity.Job, p entity.JobProgress) error {
	if asJSON {
		return printJSON(map[string]any{"job": job, "progress": p})
	}
	if err := printJobs([]entity.Job{*job}); err != nil {
		return err
	}
	t := newTable(table.Row{"Pending", "Processing", "Completed", "Failed", "Skipped"})
	t.AppendRow(table.Row{p.Pending, p.Processing, p.Successful, p.Failed, p.Skipped})
	t.Render()
	if job.ErrorMessage != nil {
		fmt.Fprintf(stdout, "last error: %s\n", *job.ErrorMessage)
	}
	return nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
