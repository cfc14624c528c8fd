package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/audit"
	"github.com/dgnsrekt/yomi/internal/cache"
	"github.com/dgnsrekt/yomi/internal/config"
	"github.com/dgnsrekt/yomi/internal/dict"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/pipeline"
	"github.com/dgnsrekt/yomi/internal/tokenizer"
)

// buildResolver loads the dictionary tiers and the override file. The engine
// user dictionary is pulled only when the backend exposes one.
func buildResolver(ctx context.Context, c config.Config, backend engine.Backend, logger *log.Logger) (*dict.Resolver, dict.Overrides, error) {
	d := c.Dictionaries
	b := dict.NewBuilder(logger)

	files := []struct {
		tier dict.Tier
		path string
	}{
		{dict.TierGlobal, d.Global},
		{dict.TierGlobal, d.Learned},
		{dict.TierVendor, d.Vendor},
		{dict.TierChannel, d.Channel},
		{dict.TierEpisode, d.Episode},
	}
	for _, f := range files {
		if err := b.AddFile(f.tier, f.path); err != nil {
			return nil, nil, &pipeline.Error{Kind: pipeline.KindResolution, Stage: "dictionary", Err: err}
		}
	}

	if src, ok := backend.(engine.UserDictionaryProvider); ok && d.EngineUser {
		if err := b.AddSource(ctx, src); err != nil {
			logger.Warn("Engine user dictionary unavailable", "engine", backend.Name(), "err", err)
		}
	}

	overrides, rejected, err := dict.LoadOverrides(d.Overrides)
	if err != nil {
		return nil, nil, &pipeline.Error{Kind: pipeline.KindResolution, Stage: "overrides", Err: err}
	}
	if rejected > 0 {
		logger.Warn("Dropped invalid overrides", "path", d.Overrides, "count", rejected)
	}

	dictionary := b.Build()
	for _, t := range dict.Tiers() {
		if st := dictionary.Stats(t); st.Loaded > 0 || st.Rejected > 0 {
			logger.Debug("Dictionary tier", "tier", t, "loaded", st.Loaded, "rejected", st.Rejected, "overwritten", st.Overwritten)
		}
	}
	return dict.NewResolver(dictionary), overrides, nil
}

func buildAdjudicator(c config.AdjudicatorConfig, logger *log.Logger) (audit.Adjudicator, error) {
	switch c.Kind {
	case config.AdjudicatorOpenAI:
		adj, err := audit.NewOpenAIAdjudicator(c.OpenAI, logger)
		if err != nil {
			return nil, err
		}
		return adj, nil
	case config.AdjudicatorFile:
		table, err := audit.LoadTable(c.File)
		if err != nil {
			return nil, fmt.Errorf("load decision table: %w", err)
		}
		return table, nil
	default:
		return nil, nil
	}
}

// buildPipeline assembles a pipeline from the configuration. The returned
// function releases the chunk store.
func buildPipeline(ctx context.Context, c config.Config, logger *log.Logger) (*pipeline.Pipeline, func() error, error) {
	backend, err := engine.New(c.Engine, logger)
	if err != nil {
		return nil, nil, &pipeline.Error{Kind: pipeline.KindEngine, Stage: "engine", Err: err}
	}

	tok, err := tokenizer.NewKagome()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load tokenizer: %w", err)
	}

	resolver, overrides, err := buildResolver(ctx, c, backend, logger)
	if err != nil {
		return nil, nil, err
	}

	p := &pipeline.Pipeline{
		Tokenizer: tok,
		Resolver:  resolver,
		Overrides: overrides,
		Backend:   backend,
		Logger:    logger,
		Options: pipeline.Options{
			OutputDir:      c.Output.Dir,
			AudioName:      c.Output.Audio,
			Pauses:         c.Pauses,
			Synth:          c.Synth,
			Subtitle:       c.Subtitle,
			SkipCorrection: c.Audit.SkipCorrection,
			Learn:          c.Dictionaries.Learn,
		},
	}

	if qb, ok := backend.(engine.QueryBackend); ok {
		// Without an adjudicator every genuine mismatch stays unresolved,
		// which only matters if the script has one.
		adj, err := buildAdjudicator(c.Adjudicator, logger)
		if err != nil {
			logger.Warn("Adjudicator unavailable", "kind", c.Adjudicator.Kind, "err", err)
		}
		if p.Auditor, err = audit.New(tok, qb, adj, c.Audit.Config, logger); err != nil {
			return nil, nil, err
		}
	}

	if c.Dictionaries.Learn && c.Dictionaries.Learned != "" {
		p.Learned = dict.NewLearned(c.Dictionaries.Learned)
	}

	store, err := cache.NewChunkStore(c.ChunkDir(), c.Output.Compression)
	if err != nil {
		return nil, nil, &pipeline.Error{Kind: pipeline.KindOutput, Stage: "chunk store", Err: err}
	}
	p.Store = store
	return p, store.Close, nil
}
