package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jmorganca/diffusion/api"
	"github.com/jmorganca/diffusion/diffusion"
	"github.com/jmorganca/diffusion/envconfig"
	"github.com/jmorganca/diffusion/inference"
	"github.com/jmorganca/diffusion/inference/remote"
	"github.com/jmorganca/diffusion/logutil"
	"github.com/jmorganca/diffusion/server"
	"github.com/jmorganca/diffusion/version"
)

// LoadDotEnv loads environment variables from ~/.diffusion/.env. A missing
// file is not an error.
func LoadDotEnv() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	envPath := filepath.Join(home, ".diffusion", ".env")
	if _, err := os.Stat(envPath); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to check if .env file exists: %w", err)
	}

	if err := godotenv.Load(envPath); err != nil {
		return fmt.Errorf("could not load %s: %w", envPath, err)
	}

	envconfig.LoadConfig()
	return nil
}

// newEngine connects a diffusion engine to the inference engine at
// DIFFUSION_ENGINE, which also provides the prompt embeddings.
func newEngine(logger *slog.Logger) (*diffusion.Engine, error) {
	u, err := envconfig.EngineURL()
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(u, http.DefaultClient)
	return diffusion.New(inference.Serial(client), client, logger), nil
}

func RunServer(cmd *cobra.Command, _ []string) error {
	logger := logutil.NewLogger(os.Stderr, envconfig.LogLevel)
	slog.SetDefault(logger)
	if envconfig.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	host, err := envconfig.GetHost()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", host.String())
	if err != nil {
		return err
	}

	engine, err := newEngine(logger)
	if err != nil {
		return err
	}

	slog.Info("inference engine", "url", envconfig.Engine, "parallel", envconfig.NumParallel)
	err = server.Serve(ln, server.New(engine, envconfig.NumParallel, logger))
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		if !strings.Contains(err.Error(), " refused") {
			return err
		}
		return errors.New("could not connect to diffusion server, run 'diffusion serve' to start it")
	}
	return nil
}

func configHandler(cmd *cobra.Command, _ []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return nil
	}

	vars := envconfig.AsMap()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%v\n", k, vars[k].Value)
	}
	return nil
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "diffusion",
		Short: "Diffusion image generation",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
		Version: version.Version,
	}

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the diffusion server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	generateCmd := &cobra.Command{
		Use:   "generate PROMPT",
		Short: "Generate an image from a prompt",
		Args:  cobra.ExactArgs(1),
		RunE:  GenerateHandler,
	}
	optionFlags(generateCmd)
	generateCmd.Flags().StringP("output", "o", "", "Output PNG path (default <session>.png)")

	timestepsCmd := &cobra.Command{
		Use:   "timesteps",
		Short: "Show the timesteps a scheduler visits",
		Args:  cobra.ExactArgs(0),
		RunE:  TimestepsHandler,
	}
	schedulerFlags(timestepsCmd)
	timestepsCmd.Flags().String("diffuser", "text_to_image", "Diffuser, to apply strength")

	sweepCmd := &cobra.Command{
		Use:   "sweep PROMPT",
		Short: "Generate every combination of a sweep on the server",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
				return nil
			}
			return checkServerHeartbeat(cmd, args)
		},
		RunE: SweepHandler,
	}
	optionFlags(sweepCmd)
	sweepFlags(sweepCmd)

	schedulersCmd := &cobra.Command{
		Use:     "schedulers",
		Short:   "List the schedulers, diffusers and pipelines the server supports",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    SchedulersHandler,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  configHandler,
	}
	configCmd.Flags().Bool("example", false, "Print an example config file")

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{serveCmd, generateCmd, sweepCmd} {
		envs := []envconfig.EnvVar{envVars["DIFFUSION_HOST"], envVars["DIFFUSION_DEBUG"], envVars["DIFFUSION_CONFIG"]}
		switch cmd {
		case serveCmd:
			envs = append(envs, envVars["DIFFUSION_ENGINE"], envVars["DIFFUSION_NUM_PARALLEL"], envVars["DIFFUSION_ORIGINS"], envVars["DIFFUSION_SCHEDULER"], envVars["DIFFUSION_STEPS"])
		case generateCmd:
			envs = append(envs, envVars["DIFFUSION_ENGINE"], envVars["DIFFUSION_SCHEDULER"], envVars["DIFFUSION_STEPS"])
		}
		appendEnvDocs(cmd, envs)
	}

	rootCmd.AddCommand(
		serveCmd,
		generateCmd,
		sweepCmd,
		timestepsCmd,
		schedulersCmd,
		configCmd,
	)

	return rootCmd
}
