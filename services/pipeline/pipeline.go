// Package pipeline runs one symbol through fetch, parse, load and staging.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/loader"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/parser"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/retriever"
	"github.com/Stargazers-Consulting-LLC/creampie-sub002/services/stager"
)

// Fetcher retrieves and stages a symbol's page.
type Fetcher interface {
	Fetch(ctx context.Context, symbol string) (*models.StagedFile, []byte, error)
}

// Report summarises one symbol's run.
type Report struct {
	Symbol     string             `json:"symbol"`
	File       *models.StagedFile `json:"file,omitempty"`
	Duplicates int                `json:"duplicates"`
	OutOfRange int                `json:"out_of_range"`
	Imputed    int                `json:"imputed"`
	Load       *loader.Result     `json:"load,omitempty"`
}

// Pipeline wires the ingestion stages for a single symbol.
type Pipeline struct {
	fetcher Fetcher
	parser  *parser.Parser
	loader  *loader.Loader
	stager  *stager.Stager
}

func NewPipeline(f Fetcher, p *parser.Parser, l *loader.Loader, s *stager.Stager) *Pipeline {
	return &Pipeline{fetcher: f, parser: p, loader: l, stager: s}
}

// Process fetches symbol and runs the staged page through the rest of the
// pipeline. A fatal response that was staged is dead-lettered.
func (p *Pipeline) Process(ctx context.Context, symbol string) (*Report, error) {
	file, content, err := p.fetcher.Fetch(ctx, symbol)
	if err != nil {
		var re *retriever.RetrievalError
		if errors.As(err, &re) && re.Staged != nil {
			if derr := p.stager.CommitDeadletter(re.Staged, re.Error()); derr != nil {
				log.Printf("Pipeline: failed to dead-letter %s: %v", re.Staged.Path, derr)
			}
		}
		return &Report{Symbol: symbol}, err
	}
	return p.ProcessFile(ctx, file, content)
}

// ProcessFile parses and loads a raw staged file, then moves it to parsed.
// A page that cannot be parsed is dead-lettered; a storage failure leaves the
// file in raw so a later cycle retries it.
func (p *Pipeline) ProcessFile(ctx context.Context, file *models.StagedFile, content []byte) (*Report, error) {
	report := &Report{Symbol: file.Symbol, File: file}

	parsed, err := p.parser.Parse(content)
	if err != nil {
		if derr := p.stager.CommitDeadletter(file, err.Error()); derr != nil {
			log.Printf("Pipeline: failed to dead-letter %s: %v", file.Path, derr)
		}
		return report, err
	}
	report.Duplicates = parsed.Duplicates
	report.OutOfRange = parsed.OutOfRange
	report.Imputed = parsed.Imputed

	res, err := p.loader.Load(ctx, file.Symbol, parsed.Rows)
	if err != nil {
		return report, err
	}
	res.Skipped += parsed.Skipped
	report.Load = res

	if err := p.stager.CommitParsed(file); err != nil {
		return report, fmt.Errorf("loaded %s but could not commit file: %w", file.Symbol, err)
	}
	return report, nil
}

// RecoverStaged reprocesses raw files left by an interrupted run for the
// given symbols. Files of other symbols stay in raw. It returns how many
// files were committed to parsed.
func (p *Pipeline) RecoverStaged(ctx context.Context, symbols []string) (int, error) {
	pending, err := p.stager.PendingRaw()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	recovered := 0
	for _, file := range pending {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if !wanted[file.Symbol] {
			continue
		}
		content, err := os.ReadFile(file.Path)
		if err != nil {
			log.Printf("Pipeline: cannot read leftover %s: %v", file.Path, err)
			continue
		}
		if _, err := p.ProcessFile(ctx, file, content); err != nil {
			log.Printf("Pipeline: leftover %s not recovered: %v", file.Path, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		log.Printf("Pipeline: recovered %d leftover raw file(s)", recovered)
	}
	return recovered, nil
}
