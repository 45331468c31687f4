package envconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/jmorganca/diffusion/logutil"
)

var ErrInvalidHostPort = errors.New("invalid port specified in DIFFUSION_HOST")

var (
	// Set via DIFFUSION_ORIGINS in the environment
	AllowOrigins []string
	// Set via DIFFUSION_DEBUG in the environment
	LogLevel slog.Level
	// Set via DIFFUSION_ENGINE in the environment
	Engine string
	// Set via DIFFUSION_NUM_PARALLEL in the environment
	NumParallel int
	// Set via DIFFUSION_SCHEDULER in the environment
	Scheduler string
	// Set via DIFFUSION_STEPS in the environment
	Steps int
)

const (
	defaultPort   = "7860"
	defaultEngine = "http://127.0.0.1:8000"
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DIFFUSION_CONFIG":       {"DIFFUSION_CONFIG", configFile(), "Path to a TOML configuration file"},
		"DIFFUSION_DEBUG":        {"DIFFUSION_DEBUG", LogLevel, "Show additional debug information (e.g. DIFFUSION_DEBUG=1, 2 for per-step tracing)"},
		"DIFFUSION_ENGINE":       {"DIFFUSION_ENGINE", Engine, "URL of the inference engine (default " + defaultEngine + ")"},
		"DIFFUSION_HOST":         {"DIFFUSION_HOST", lookup("DIFFUSION_HOST"), "IP Address for the diffusion server (default 127.0.0.1:" + defaultPort + ")"},
		"DIFFUSION_NUM_PARALLEL": {"DIFFUSION_NUM_PARALLEL", NumParallel, "Maximum number of parallel generations (default 1)"},
		"DIFFUSION_ORIGINS":      {"DIFFUSION_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"DIFFUSION_SCHEDULER":    {"DIFFUSION_SCHEDULER", Scheduler, "Default scheduler (default \"lms\")"},
		"DIFFUSION_STEPS":        {"DIFFUSION_STEPS", Steps, "Default number of inference steps (default 30)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup returns the environment value for key, falling back to the
// configuration file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}
	return strings.Trim(GetConfigValue(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	LogLevel = logutil.ParseLevel(lookup("DIFFUSION_DEBUG"))

	Engine = lookup("DIFFUSION_ENGINE")
	if Engine == "" {
		Engine = defaultEngine
	}

	NumParallel = 1
	if onp := lookup("DIFFUSION_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "DIFFUSION_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	Scheduler = lookup("DIFFUSION_SCHEDULER")
	if Scheduler == "" {
		Scheduler = "lms"
	}

	Steps = 30
	if s := lookup("DIFFUSION_STEPS"); s != "" {
		val, err := strconv.Atoi(s)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "DIFFUSION_STEPS", s, "error", err)
		} else {
			Steps = val
		}
	}

	AllowOrigins = nil
	if origins := lookup("DIFFUSION_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s:*", allowOrigin),
			fmt.Sprintf("https://%s:*", allowOrigin),
		)
	}
}

type Host struct {
	Scheme string
	Host   string
	Port   string
}

func (h Host) String() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// GetHost parses DIFFUSION_HOST. A missing address defaults to 127.0.0.1
// and a missing port to the default server port.
func GetHost() (*Host, error) {
	defaultHost, port := "127.0.0.1", defaultPort

	s := lookup("DIFFUSION_HOST")
	scheme, hostport, ok := strings.Cut(s, "://")
	if !ok {
		scheme, hostport = "http", s
	}

	hostport = strings.Trim(strings.TrimSpace(hostport), "\"' ")
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host = defaultHost
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	} else {
		port = p
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		return nil, ErrInvalidHostPort
	}

	return &Host{Scheme: scheme, Host: host, Port: port}, nil
}

// EngineURL parses Engine.
func EngineURL() (*url.URL, error) {
	u, err := url.Parse(Engine)
	if err != nil {
		return nil, fmt.Errorf("DIFFUSION_ENGINE: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("DIFFUSION_ENGINE: %q is not an absolute URL", Engine)
	}
	return u, nil
}
