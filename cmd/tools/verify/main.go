// Command verify compares CRM stages with the datastore and prints the drift.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/jordanlanch/funnelsync/config"
	"github.com/jordanlanch/funnelsync/pkg/app"
	"github.com/jordanlanch/funnelsync/pkg/archive"
	"github.com/jordanlanch/funnelsync/pkg/drift"
	"github.com/jordanlanch/funnelsync/pkg/export"
	"github.com/jordanlanch/funnelsync/pkg/logger"
)

func main() {
	funnelID := flag.Int64("funnel", 0, "funnel id (default: all configured)")
	stageID := flag.Int64("stage", 0, "stage id, requires -funnel")
	xlsxPath := flag.String("xlsx", "", "write the report workbook to this path")
	upload := flag.Bool("upload", false, "archive the report workbook to S3")
	showIDs := flag.Bool("ids", false, "list missing and stale ids per stage")
	flag.Parse()

	if *stageID > 0 && *funnelID == 0 {
		log.Fatal("-stage requires -funnel")
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLog := logger.NewText(os.Stderr, cfg.LogLevel)
	engine, err := app.New(ctx, cfg, appLog, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	var report drift.Report
	switch {
	case *stageID > 0:
		st, err := engine.Verifier.VerifyStage(ctx, *funnelID, *stageID)
		if err != nil {
			log.Fatal(err)
		}
		report = drift.Report{
			Threshold:      cfg.DriftAlertThreshold,
			SprintHubCount: st.SprintHubCount,
			LocalCount:     st.LocalCount,
			MissingCount:   len(st.MissingIDs),
			StaleCount:     len(st.StaleIDs),
			SyncPercentage: st.SyncPercentage,
			Stages:         []drift.StageReport{st},
		}
	case *funnelID > 0:
		report, err = engine.Verifier.VerifyAll(ctx, []int64{*funnelID})
	default:
		report, err = engine.Verifier.VerifyAll(ctx, nil)
	}
	if err != nil {
		log.Fatal(err)
	}

	render(report, *showIDs)

	if *xlsxPath != "" {
		f, err := os.Create(*xlsxPath)
		if err != nil {
			log.Fatal(err)
		}
		if err := export.WriteDriftReport(f, report); err != nil {
			f.Close()
			log.Fatal(err)
		}
		if err := f.Close(); err != nil {
			log.Fatal(err)
		}
		log.Printf("report written to %s", *xlsxPath)
	}

	if *upload {
		archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Region:             cfg.AWSRegion,
			Bucket:             cfg.S3Bucket,
			Prefix:             cfg.S3Prefix,
			AWSAccessKeyID:     cfg.S3AccessKeyID,
			AWSSecretAccessKey: cfg.S3SecretAccessKey,
		}, appLog)
		if err != nil {
			log.Fatal(err)
		}
		body, err := export.DriftReportXLSX(report)
		if err != nil {
			log.Fatal(err)
		}
		location, err := archiver.Upload(ctx, export.FileName(report), export.ContentTypeXLSX, body)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("report archived to %s", location)
	}

	if len(report.Alerts()) > 0 {
		os.Exit(2)
	}
}

func render(report drift.Report, showIDs bool) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Stage", "CRM", "Local", "Missing", "Stale", "Sync %"})
	for _, st := range report.Stages {
		pct := fmt.Sprintf("%.2f", st.SyncPercentage)
		if st.BelowThreshold {
			pct = text.FgRed.Sprint(pct)
		}
		label := fmt.Sprintf("%s (%d/%d)", st.Label, st.FunnelID, st.StageID)
		if st.Error != "" {
			label += " " + text.FgYellow.Sprint(st.Error)
		}
		t.AppendRow(table.Row{label, st.SprintHubCount, st.LocalCount, len(st.MissingIDs), len(st.StaleIDs), pct})
		if showIDs && len(st.MissingIDs) > 0 {
			t.AppendRow(table.Row{"  missing: " + export.IDList(st.MissingIDs)})
		}
		if showIDs && len(st.StaleIDs) > 0 {
			t.AppendRow(table.Row{"  stale: " + export.IDList(st.StaleIDs)})
		}
	}
	t.AppendFooter(table.Row{"Total", report.SprintHubCount, report.LocalCount, report.MissingCount, report.StaleCount, fmt.Sprintf("%.2f", report.SyncPercentage)})
	t.Render()
}
