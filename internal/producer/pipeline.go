package producer

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/rohankatakam/retailgraph/internal/errors"
	"github.com/rohankatakam/retailgraph/internal/extract"
	"github.com/rohankatakam/retailgraph/internal/logging"
	"github.com/rohankatakam/retailgraph/internal/mapper"
)

// Source is one input file and the kind of rows it holds
type Source struct {
	Path string
	Kind extract.Kind
}

// Report summarizes a producer run
type Report struct {
	Rows     int64         `json:"rows"`
	Skipped  int64         `json:"skipped"`
	Events   int64         `json:"events"`
	Stats    Stats         `json:"publisher"`
	Duration time.Duration `json:"duration"`
}

// Pipeline extracts, maps and publishes source files one at a time
type Pipeline struct {
	publisher *Publisher
	maxRows   int
	logger    *slog.Logger
}

// NewPipeline creates a pipeline over an already started publisher. maxRows
// limits each file; zero reads everything.
func NewPipeline(publisher *Publisher, maxRows int) *Pipeline {
	return &Pipeline{
		publisher: publisher,
		maxRows:   maxRows,
		logger:    logging.Component("producer"),
	}
}

// Run processes sources in order and then drains the publisher. Invalid rows
// are skipped; a missing file or column aborts the run. Cancelling ctx stops
// extraction, but events already submitted still drain.
func (p *Pipeline) Run(ctx context.Context, sources []Source) (Report, error) {
	start := time.Now()
	var report Report

	var runErr error
	for _, src := range sources {
		if err := p.runSource(ctx, src, &report); err != nil {
			runErr = err
			break
		}
	}

	report.Stats = p.publisher.Close()
	report.Duration = time.Since(start)

	p.logger.Info("producer finished",
		"rows", report.Rows,
		"skipped", report.Skipped,
		"events", report.Events,
		"published", report.Stats.Published,
		"failed", report.Stats.Failed,
		"deduped", report.Stats.Deduped,
		"degraded", report.Stats.Degraded,
		"duration", report.Duration,
	)
	return report, runErr
}

func (p *Pipeline) runSource(ctx context.Context, src Source, report *Report) error {
	r, err := extract.Open(src.Path, src.Kind, extract.WithMaxRows(p.maxRows))
	if err != nil {
		return err
	}
	defer r.Close()

	name := filepath.Base(src.Path)
	logger := p.logger.With("source", name, "kind", src.Kind)
	logger.Info("reading source")

	var rows, skipped int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := r.Next()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.IsValidation(err) {
				skipped++
				report.Skipped++
				logger.Warn("row skipped", "error", err)
				continue
			}
			return err
		}
		rows++
		report.Rows++

		events, err := mapper.Map(name, rec)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := p.publisher.Submit(ctx, e); err != nil {
				return err
			}
		}
		report.Events += int64(len(events))
	}

	logger.Info("source done", "rows", rows, "skipped", skipped)
	return nil
}
