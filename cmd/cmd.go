package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	cfgPkg "github.com/xhad/policyqa/pkg/config"
	"github.com/xhad/policyqa/pkg/ingest"
	"github.com/xhad/policyqa/pkg/pdftext"
	"github.com/xhad/policyqa/pkg/pipeline"
	"github.com/xhad/policyqa/server"
)

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

var stageLabels = map[string]string{
	ingest.StageExtract: "Reading policy PDFs",
	ingest.StageEmbed:   "Embedding chunks",
	ingest.StageStore:   "Storing in vector index",

	pipeline.StageExtracting: "Extracting claim details",
	pipeline.StageRetrieving: "Searching policy clauses",
	pipeline.StageDeciding:   "Checking coverage",
}

func runServe(ctx context.Context, config *cfgPkg.Config) error {
	a, err := newApp(ctx, config, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// a broken index must stop startup
	if _, err := a.ingestor.EnsurePopulated(ctx); err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:            config.Server.Addr,
		MaxUploadMB:     config.Server.MaxUploadMB,
		ShutdownTimeout: config.Server.ShutdownTimeout,
	}, a.pipeline)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}

func runIngest(ctx context.Context, config *cfgPkg.Config) error {
	a, err := newApp(ctx, config, false)
	if err != nil {
		return err
	}
	defer a.Close()

	color.Blue("\nIngesting policies from %s into %q\n", config.Ingest.DataDir, config.Store.IndexName)

	bars := make(map[string]*progressbar.ProgressBar)
	a.ingestor.OnProgress = func(stage string, done, total int) {
		if total == 0 {
			return
		}
		bar, ok := bars[stage]
		if !ok {
			bar = getProgressBar(total, stageLabels[stage])
			bars[stage] = bar
		}
		_ = bar.Set(done)
		if done >= total {
			_ = bar.Finish()
			fmt.Println()
		}
	}

	report, err := a.ingestor.EnsurePopulated(ctx)
	if err != nil {
		color.Red("\n✗ Ingestion failed: %v\n", err)
		return err
	}

	if report.Skipped {
		count, err := a.index.Count(ctx)
		if err != nil {
			return err
		}
		color.Yellow("Index %q already exists with %d chunks; delete it to rebuild.\n", config.Store.IndexName, count)
		return nil
	}

	color.Green("✓ Indexed %d chunks from %d pages in %d files (%s)\n",
		report.Chunks, report.Pages, report.Files, report.Took.Round(time.Millisecond))
	return nil
}

func runAsk(ctx context.Context, config *cfgPkg.Config, query string, files []string) error {
	a, err := newApp(ctx, config, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.ingestor.EnsurePopulated(ctx); err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	var supplementary string
	for _, path := range files {
		pages, err := pdftext.ExtractFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if text := pdftext.Text(pages); text != "" {
			if supplementary != "" {
				supplementary += "\n"
			}
			supplementary += text
		}
	}

	spinner := getSpinner(" Thinking...")
	result, err := a.pipeline.AnswerWithProgress(ctx, query, supplementary, func(stage string) {
		spinner.Describe(color.CyanString(" %s...", stageLabels[stage]))
	})
	_ = spinner.Finish()
	fmt.Print("\r")
	if err != nil {
		log.Debug().Err(err).Msg("ask failed")
		color.Red("\n%s\n", server.ErrorMessage)
		return err
	}

	if !result.Extraction.Fields.Empty() {
		color.New(color.FgHiBlack).Printf("\n%s\n", result.Extraction.Fields.String())
	}
	color.New(color.FgCyan).Printf("\nAssistant: %s\n", result.Answer)
	return nil
}
