package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/pipeline"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	regen []int

	synthCmd = &cobra.Command{
		Use:   "synth SCRIPT",
		Short: "Synthesize a script into audio and subtitles",
		Long: paragraph(fmt.Sprintf("\n%s a narration script. Readings are checked against the engine before any audio is made, "+
			"and chunks from an earlier run of the same script are reused.", keyword("Synthesize"))),
		Example: paragraph("yomi synth episode.txt\nyomi synth episode.txt --regen 3,7\ncat episode.txt | yomi synth -"),
		Args:    cobra.ExactArgs(1),
		RunE:    runSynth,
	}
)

func initSynthFlags() {
	synthCmd.Flags().IntSliceVar(&regen, "regen", nil, "regenerate only these segment indices")
	synthCmd.Flags().Bool("skip-reading-correction", false, "continue past unresolved reading mismatches")
	synthCmd.Flags().Int("workers", 0, "parallel synthesis workers")
	synthCmd.Flags().Bool("learn", false, "record adjudicated readings in the learned dictionary")
	synthCmd.Flags().String("subtitle-format", "", "subtitle format (srt, vtt)")

	_ = v.BindPFlag("audit.skip_correction", synthCmd.Flags().Lookup("skip-reading-correction"))
	_ = v.BindPFlag("synth.workers", synthCmd.Flags().Lookup("workers"))
	_ = v.BindPFlag("dictionaries.learn", synthCmd.Flags().Lookup("learn"))
	_ = v.BindPFlag("subtitle.format", synthCmd.Flags().Lookup("subtitle-format"))
}

// readScript reads a script file, or stdin for "-".
func readScript(arg string) ([]byte, error) {
	if arg == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("unable to read from stdin: %w", err)
		}
		return b, nil
	}
	b, err := os.ReadFile(arg)
	if err != nil {
		return nil, &pipeline.Error{Kind: pipeline.KindInput, Stage: "read", Err: err}
	}
	return b, nil
}

func runSynth(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	script, err := readScript(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, closeStore, err := buildPipeline(ctx, cfg, log.Default())
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck
	p.Options.Regen = regen

	res, err := p.Run(ctx, script)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), res)
	return nil
}

func printSummary(w io.Writer, res *pipeline.Result) {
	plain := func(s string) string { return s }
	style, dim := plain, plain
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		style = func(s string) string { return keyword(s) }
		dim = func(s string) string { return faint(s) }
	}

	st := res.Stats
	fmt.Fprintf(w, "%s %s %s\n", style("audio   "), res.AudioPath, dim(fmt.Sprintf("(%.1fs)", res.TotalSec)))
	fmt.Fprintf(w, "%s %s\n", style("subtitle"), res.SubtitlePath)
	fmt.Fprintf(w, "%s %s\n", style("log     "), res.LogPath)
	fmt.Fprintf(w, "%s %d segments, %d synthesized, %d reused, %s generated\n",
		style("synth   "), len(res.Segments), st.Synthesized, st.Reused, humanize.IBytes(uint64(st.AudioBytes)))
	if st.Placeholders > 0 || st.Resplits > 0 {
		fmt.Fprintf(w, "%s %d resplits, %d placeholders\n", warning("degraded"), st.Resplits, st.Placeholders)
	}
	if rep := res.Report; rep != nil {
		fmt.Fprintf(w, "%s %d trivial, %d mismatches, %d adjudicator calls, %d unresolved\n",
			style("audit   "), rep.Trivial, len(rep.Mismatches), rep.Calls, len(rep.Unresolved))
	}
}
