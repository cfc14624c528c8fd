package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/dict"
	"github.com/dgnsrekt/yomi/internal/engine"
	"github.com/dgnsrekt/yomi/internal/pipeline"
	"github.com/dgnsrekt/yomi/internal/tokenizer"
	"github.com/dgnsrekt/yomi/internal/ttypes"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

const textColumn = 40

var segmentsCmd = &cobra.Command{
	Use:     "segments SCRIPT",
	Short:   "Print the segments and pauses of a script",
	Example: paragraph("yomi segments episode.txt"),
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		script, err := readScript(args[0])
		if err != nil {
			return err
		}
		segs, err := pipeline.Parse(script, cfg.Pauses)
		if err != nil {
			return err
		}
		printSegments(cmd.OutOrStdout(), segs)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:     "resolve SCRIPT",
	Short:   "Print the dictionary-resolved text of a script",
	Long:    paragraph(fmt.Sprintf("\n%s every segment against the dictionary tiers and overrides without synthesizing.", keyword("Resolve"))),
	Example: paragraph("yomi resolve episode.txt --episode-dict ep12.yml"),
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		script, err := readScript(args[0])
		if err != nil {
			return err
		}
		segs, err := pipeline.Parse(script, cfg.Pauses)
		if err != nil {
			return err
		}

		logger := log.Default()
		var backend engine.Backend
		if cfg.Dictionaries.EngineUser {
			if backend, err = engine.New(cfg.Engine, logger); err != nil {
				logger.Warn("Engine unavailable, skipping its user dictionary", "err", err)
				backend = nil
			}
		}
		resolver, overrides, err := buildResolver(cmd.Context(), cfg, backend, logger)
		if err != nil {
			return err
		}
		tok, err := tokenizer.NewKagome()
		if err != nil {
			return fmt.Errorf("unable to load tokenizer: %w", err)
		}
		printResolved(cmd.OutOrStdout(), segs, tok, resolver, overrides)
		return nil
	},
}

func printSegments(w io.Writer, segs []ttypes.Segment) {
	fmt.Fprintf(w, "%4s  %s  %5s  %5s\n", "#", runewidth.FillRight("text", textColumn), "pre", "post")
	for _, s := range segs {
		text := runewidth.Truncate(s.Text, textColumn, "…")
		if s.IsHeading {
			text = runewidth.Truncate(strings.Repeat("#", s.HeadingLevel)+" "+s.Text, textColumn, "…")
		}
		fmt.Fprintf(w, "%4d  %s  %5.2f  %5.2f\n", s.Index, runewidth.FillRight(text, textColumn), s.PrePauseSec, s.PostPauseSec)
	}
}

func printResolved(w io.Writer, segs []ttypes.Segment, tok tokenizer.Tokenizer, r *dict.Resolver, o dict.Overrides) {
	for _, s := range segs {
		pieces := r.Pieces(s.Index, tok.Tokenize(s.Text), o)
		var b strings.Builder
		var notes []string
		for _, p := range pieces {
			b.WriteString(p.Text)
			switch p.Source {
			case dict.SourceDictionary:
				notes = append(notes, fmt.Sprintf("%s (%s)", p.Text, p.Tier))
			case dict.SourceOverride:
				notes = append(notes, fmt.Sprintf("%s (override)", p.Text))
			}
		}
		fmt.Fprintf(w, "%4d  %s\n", s.Index, b.String())
		if len(notes) > 0 {
			fmt.Fprintf(w, "      %s\n", faint(strings.Join(notes, ", ")))
		}
	}
}
