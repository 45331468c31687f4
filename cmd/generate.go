package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/envconfig"
	"github.com/jmorganca/diffusion/imageproc"
	"github.com/jmorganca/diffusion/logutil"
	"github.com/jmorganca/diffusion/progress"
	"github.com/jmorganca/diffusion/server"
)

// stepProgress shows a spinner until the first step completes, then a step
// bar.
type stepProgress struct {
	p       *progress.Progress
	spinner *progress.Spinner
	bar     *progress.Bar
	message string
}

func newStepProgress(message string) *stepProgress {
	p := progress.NewProgress(os.Stderr)
	spinner := progress.NewSpinner(message)
	p.Add(spinner)
	return &stepProgress{p: p, spinner: spinner, message: message}
}

func (s *stepProgress) update(step, total int) {
	if s.bar == nil {
		s.spinner.Stop()
		s.bar = progress.NewBar(s.message, total)
		s.p.Add(s.bar)
	}
	s.bar.Set(step)
}

func (s *stepProgress) stop() {
	s.p.StopAndClear()
}

// GenerateHandler runs one generation in process against the inference
// engine and writes the image as PNG.
func GenerateHandler(cmd *cobra.Command, args []string) error {
	logger := logutil.NewLogger(os.Stderr, envconfig.LogLevel)

	r, err := generateRequest(cmd, args[0])
	if err != nil {
		return err
	}

	req, err := server.DecodeRequest(r, envconfig.Model)
	if err != nil {
		return err
	}

	engine, err := newEngine(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sp := newStepProgress("generating")
	result, err := engine.Generate(ctx, req.Model, req.Prompt, req.Options, func(p diffusion.Progress) {
		sp.update(p.Step, p.Total)
	})
	sp.stop()
	if err != nil {
		return err
	}

	png, err := imageproc.EncodePNG(result.Image)
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = result.Session + ".png"
	}

	if err := os.WriteFile(output, png, 0o644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (seed %d, %d steps, %s)\n", output, result.Options.Seed, result.Steps, result.Options.Type)
	return nil
}
