// Command sync runs one batch sync from the command line and prints a per-stage table.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/app"
	"github.com/jordanlanch/funnelsync/pkg/batchsync"
	"github.com/jordanlanch/funnelsync/pkg/logger"
)

func main() {
	onlyToday := flag.Bool("only-today", false, "only sync opportunities created or updated today")
	dryRun := flag.Bool("dry-run", false, "map and classify without writing")
	funnelList := flag.String("funnel", "", "comma-separated funnel ids (default: all configured)")
	single := flag.Int64("id", 0, "resync one opportunity by id")
	flag.Parse()

	funnelIDs, err := parseIDs(*funnelList)
	if err != nil {
		log.Fatalf("invalid -funnel: %v", err)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger.NewText(os.Stderr, cfg.LogLevel), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	if *single > 0 {
		res, err := engine.Orchestrator.SyncOne(ctx, *single)
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Status", "Operation", "Steps"})
		t.AppendRow(table.Row{res.ID, res.Status, res.Operation, len(res.Steps)})
		t.Render()
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	summary, err := engine.Orchestrator.SyncAll(ctx, batchsync.Options{
		OnlyToday: *onlyToday,
		DryRun:    *dryRun,
		FunnelIDs: funnelIDs,
	})
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Stage", "Funnel", "Fetched", "Pages", "Inserted", "Updated", "Skipped", "Errors"})
	for _, st := range summary.Stages {
		label := st.Label
		if st.PageError != "" {
			label += " (page error)"
		}
		t.AppendRow(table.Row{label, st.FunnelID, st.Fetched, st.Pages, st.Inserted, st.Updated, st.Skipped, st.Errors})
	}
	t.AppendFooter(table.Row{"Total (" + summary.Mode() + ")", "", summary.Processed, "", summary.Inserted, summary.Updated, summary.Skipped, summary.Errors})
	t.Render()

	for _, d := range summary.ErrorDetails {
		log.Println(d.String())
	}
	log.Printf("run %s finished in %s", summary.RunID, summary.Duration().Round(time.Millisecond))

	if summary.Errors > 0 {
		os.Exit(1)
	}
}

func parseIDs(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
