package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Server struct {
		Host    string   `toml:"host"`
		Origins []string `toml:"origins"`
	} `toml:"server"`

	Engine struct {
		URL string `toml:"url"`
	} `toml:"engine"`

	Defaults struct {
		Scheduler string `toml:"scheduler"`
		Steps     int    `toml:"steps"`
	} `toml:"defaults"`

	Performance struct {
		NumParallel int `toml:"num_parallel"`
	} `toml:"performance"`

	Logging struct {
		Debug string `toml:"debug"`
	} `toml:"logging"`

	// Models are named model sets selectable by name from the API and CLI.
	Models map[string]ModelConfig `toml:"models"`
}

type ModelConfig struct {
	Pipeline    string   `toml:"pipeline"`
	ScaleFactor float32  `toml:"scale_factor"`
	SampleSize  int      `toml:"sample_size"`
	Diffusers   []string `toml:"diffusers"`
	Refiner     bool     `toml:"refiner"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

func configFile() string {
	return clean("DIFFUSION_CONFIG")
}

// GetConfigPaths returns the list of possible config file paths for the current OS
func GetConfigPaths() []string {
	if path := configFile(); path != "" {
		return []string{path}
	}

	var paths []string

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths, filepath.Join(appData, "diffusion", "config.toml"))
		}
		if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
			paths = append(paths, filepath.Join(userProfile, ".diffusion", "config.toml"))
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, "Library", "Application Support", "diffusion", "config.toml"),
				filepath.Join(home, ".config", "diffusion", "config.toml"),
				filepath.Join(home, ".diffusion", "config.toml"),
			)
		}
	default: // Linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			paths = append(paths, filepath.Join(xdgConfig, "diffusion", "config.toml"))
		}
		home, err := os.UserHomeDir()
		if err == nil {
			paths = append(paths,
				filepath.Join(home, ".config", "diffusion", "config.toml"),
				filepath.Join(home, ".diffusion", "config.toml"),
			)
		}
		paths = append(paths, "/etc/diffusion/config.toml")
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	paths := GetConfigPaths()
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

func loadedConfig() *Config {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})
	return config
}

// ReloadConfigFile discards the cached configuration file and reloads every
// setting.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
	LoadConfig()
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	config := loadedConfig()
	if config == nil {
		return ""
	}

	// Map environment variables to config values
	switch key {
	case "DIFFUSION_HOST":
		return config.Server.Host
	case "DIFFUSION_ORIGINS":
		if len(config.Server.Origins) > 0 {
			return strings.Join(config.Server.Origins, ",")
		}
	case "DIFFUSION_ENGINE":
		return config.Engine.URL
	case "DIFFUSION_SCHEDULER":
		return config.Defaults.Scheduler
	case "DIFFUSION_STEPS":
		if config.Defaults.Steps > 0 {
			return fmt.Sprintf("%d", config.Defaults.Steps)
		}
	case "DIFFUSION_NUM_PARALLEL":
		if config.Performance.NumParallel > 0 {
			return fmt.Sprintf("%d", config.Performance.NumParallel)
		}
	case "DIFFUSION_DEBUG":
		return config.Logging.Debug
	}

	return ""
}

// Models returns the named model sets from the config file.
func Models() map[string]ModelConfig {
	if config := loadedConfig(); config != nil {
		return config.Models
	}
	return nil
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# Diffusion Configuration File
# This is an example configuration file. Uncomment and modify values as needed.

[server]
# Network binding address (default: "127.0.0.1:7860")
host = "127.0.0.1:7860"
# Allowed CORS origins
origins = ["http://localhost:3000"]

[engine]
# Inference engine running the UNet, VAE and text encoders
url = "http://127.0.0.1:8000"

[defaults]
# Scheduler used when a request does not name one (default: "lms")
scheduler = "euler_ancestral"
# Inference steps used when a request does not set them (default: 30)
steps = 30

[performance]
# Number of generations run at once (default: 1)
num_parallel = 1

[logging]
# "1" for debug logging, "2" to trace every denoising step
debug = "0"

# Named model sets
[models.sd15]
pipeline = "stable_diffusion"
scale_factor = 0.18215
sample_size = 512

[models.sdxl-refiner]
pipeline = "stable_diffusion_xl"
scale_factor = 0.13025
sample_size = 1024
refiner = true
diffusers = ["image_to_image"]
`
}
