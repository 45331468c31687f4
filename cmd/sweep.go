package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/diffusion/api"
	"github.com/jmorganca/diffusion/batch"
	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/progress"
	"github.com/jmorganca/diffusion/server"
)

func sweepFlags(cmd *cobra.Command) {
	cmd.Flags().String("seeds", "", "Seeds, as a list (1,2,3) or a range (from:to:increment)")
	cmd.Flags().String("guidance-scales", "", "Guidance scales, as a list or a range")
	cmd.Flags().String("steps-list", "", "Step counts, as a list or a range")
	cmd.Flags().String("strengths", "", "Strengths, as a list or a range")
	cmd.Flags().String("sizes", "", "Sizes, as a list of WIDTHxHEIGHT")
	cmd.Flags().String("policy", "", "What to do when a combination fails: continue or abort (required)")
	cmd.Flags().Int("parallel", 0, "Combinations to generate at once")
	cmd.Flags().String("output-dir", ".", "Directory for the generated images")
	cmd.Flags().Bool("dry-run", false, "List the combinations without generating")
}

// parseList parses "a,b,c" or "from:to:increment".
func parseList[T int | int64 | float32](s string, parse func(string) (T, error)) ([]T, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if parts := strings.Split(s, ":"); len(parts) == 3 {
		var bounds [3]T
		for i, p := range parts {
			v, err := parse(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("range %q: %w", s, err)
			}
			bounds[i] = v
		}
		return batch.Range(bounds[0], bounds[1], bounds[2]), nil
	}

	var values []T
	for _, p := range strings.Split(s, ",") {
		v, err := parse(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", s, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func parseInt(s string) (int, error) { return strconv.Atoi(s) }

func parseInt64(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func parseFloat32(s string) (float32, error) {
	f, err := strconv.ParseFloat(s, 32)
	return float32(f), err
}

func parseSize(s string) (batch.Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return batch.Size{}, fmt.Errorf("size %q is not WIDTHxHEIGHT", s)
	}

	width, err := strconv.Atoi(w)
	if err != nil {
		return batch.Size{}, fmt.Errorf("size %q: %w", s, err)
	}

	height, err := strconv.Atoi(h)
	if err != nil {
		return batch.Size{}, fmt.Errorf("size %q: %w", s, err)
	}

	return batch.Size{Width: width, Height: height}, nil
}

func sweep(cmd *cobra.Command) (batch.Sweep, error) {
	var sw batch.Sweep
	var err error

	get := func(name string) string {
		v, _ := cmd.Flags().GetString(name)
		return v
	}

	if sw.Seeds, err = parseList(get("seeds"), parseInt64); err != nil {
		return sw, err
	}
	if sw.GuidanceScales, err = parseList(get("guidance-scales"), parseFloat32); err != nil {
		return sw, err
	}
	if sw.Steps, err = parseList(get("steps-list"), parseInt); err != nil {
		return sw, err
	}
	if sw.Strengths, err = parseList(get("strengths"), parseFloat32); err != nil {
		return sw, err
	}

	if sizes := get("sizes"); sizes != "" {
		for _, s := range strings.Split(sizes, ",") {
			size, err := parseSize(strings.TrimSpace(s))
			if err != nil {
				return sw, err
			}
			sw.Sizes = append(sw.Sizes, size)
		}
	}

	return sw, nil
}

func printCombinations(cmd *cobra.Command, sw batch.Sweep) error {
	base := server.DefaultOptions(diffusion.ModelOptions{})
	if err := server.DecodeOptions(options(cmd), &base); err != nil {
		return err
	}

	var data [][]string
	for i, o := range sw.Combinations(base) {
		data = append(data, []string{
			strconv.Itoa(i),
			strconv.FormatInt(o.Seed, 10),
			strconv.FormatFloat(float64(o.GuidanceScale), 'g', -1, 32),
			strconv.Itoa(o.InferenceSteps),
			strconv.FormatFloat(float64(o.Strength), 'g', -1, 32),
			batch.Size{Width: o.Width, Height: o.Height}.String(),
		})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"#", "SEED", "GUIDANCE", "STEPS", "STRENGTH", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

// SweepHandler generates every combination of the sweep flags on the server
// and writes the images to the output directory.
func SweepHandler(cmd *cobra.Command, args []string) error {
	sw, err := sweep(cmd)
	if err != nil {
		return err
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return printCombinations(cmd, sw)
	}

	policy, _ := cmd.Flags().GetString("policy")
	if _, err := batch.ParseErrorPolicy(policy); err != nil {
		return fmt.Errorf("--policy: %w", err)
	}

	parallel, _ := cmd.Flags().GetInt("parallel")
	dir, _ := cmd.Flags().GetString("output-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	req, err := generateRequest(cmd, args[0])
	if err != nil {
		return err
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	total := sw.Len()
	p := progress.NewProgress(os.Stderr)
	bars := make(map[int]*progress.Bar)

	var lines []string
	err = client.Batch(ctx, &api.BatchRequest{
		GenerateRequest: *req,
		Sweep:           sw,
		Policy:          policy,
		Parallel:        parallel,
	}, func(r api.BatchResponse) error {
		name := fmt.Sprintf("%d/%d seed %d", r.Index+1, total, r.Options.Seed)
		if r.Error != "" {
			lines = append(lines, fmt.Sprintf("%s %s: %s", color.RedString("failed"), name, r.Error))
			return nil
		}

		path := filepath.Join(dir, fmt.Sprintf("%03d-%d.png", r.Index, r.Result.Options.Seed))
		if err := os.WriteFile(path, r.Result.Image, 0o644); err != nil {
			return err
		}

		lines = append(lines, fmt.Sprintf("%s %s: %s", color.GreenString("ok"), name, path))
		return nil
	}, func(pr api.ProgressResponse) error {
		bar, ok := bars[pr.Index]
		if !ok {
			bar = progress.NewBar(fmt.Sprintf("%d/%d", pr.Index+1, total), pr.Total)
			bars[pr.Index] = bar
			p.Add(bar)
		}
		bar.Set(pr.Step)
		return nil
	})
	p.Stop()

	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	return err
}

func SchedulersHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Schedulers(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "schedulers: %s\n", strings.Join(resp.Schedulers, ", "))
	fmt.Fprintf(cmd.OutOrStdout(), "diffusers:  %s\n", strings.Join(resp.Diffusers, ", "))
	fmt.Fprintf(cmd.OutOrStdout(), "pipelines:  %s\n", strings.Join(resp.Pipelines, ", "))
	return nil
}
