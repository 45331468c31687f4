package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/scheduler"
	"github.com/jmorganca/diffusion/server"
)

// TimestepsHandler prints a scheduler's timesteps and marks the ones a
// generation with the given diffuser visits.
func TimestepsHandler(cmd *cobra.Command, _ []string) error {
	opts := server.DefaultOptions(diffusion.ModelOptions{})
	if err := server.DecodeOptions(options(cmd), &opts); err != nil {
		return err
	}

	d := diffusion.TextToImage
	if s, _ := cmd.Flags().GetString("diffuser"); s != "" {
		var err error
		if d, err = diffusion.ParseDiffuserType(s); err != nil {
			return err
		}
	}

	sched, err := scheduler.New(opts)
	if err != nil {
		return err
	}
	defer sched.Close()

	timesteps := sched.Timesteps()
	visited := diffusion.Visited(sched, opts, d)
	start := len(timesteps) - len(visited)

	var data [][]string
	for i, t := range timesteps {
		mark := ""
		if i >= start {
			mark = "*"
		}
		data = append(data, []string{strconv.Itoa(i), strconv.Itoa(t), mark})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"STEP", "TIMESTEP", "VISITED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %d of %d timesteps visited, order %d, init noise sigma %.4f\n",
		opts.Type, len(visited), len(timesteps), sched.Order(), sched.InitNoiseSigma())
	return nil
}
