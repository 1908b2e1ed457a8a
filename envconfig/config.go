package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via SDVAE_ORIGINS in the environment
	AllowOrigins []string
	// Set via SDVAE_ARCH in the environment
	Arch string
	// Set via SDVAE_DEBUG in the environment
	Debug bool
	// Set via SDVAE_MAX_SIZE in the environment
	MaxSize int
	// Set via SDVAE_NUM_PARALLEL in the environment
	NumParallel int
	// Set via SDVAE_NUM_THREADS in the environment
	NumThreads int
	// Set via SDVAE_WEIGHTS in the environment
	Weights string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"SDVAE_ARCH":         {"SDVAE_ARCH", Arch, "Encoder architecture to load (default \"sd\")"},
		"SDVAE_DEBUG":        {"SDVAE_DEBUG", Debug, "Show additional debug information (e.g. SDVAE_DEBUG=1)"},
		"SDVAE_HOST":         {"SDVAE_HOST", Host(), "IP Address for the sdvae server (default 127.0.0.1:11535)"},
		"SDVAE_MAX_SIZE":     {"SDVAE_MAX_SIZE", MaxSize, "Largest height and width an image may be encoded at (default 2048)"},
		"SDVAE_NUM_PARALLEL": {"SDVAE_NUM_PARALLEL", NumParallel, "Maximum number of parallel encode requests (default 1)"},
		"SDVAE_NUM_THREADS":  {"SDVAE_NUM_THREADS", NumThreads, "Number of threads used by the CPU backend (default: number of CPUs)"},
		"SDVAE_ORIGINS":      {"SDVAE_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
		"SDVAE_WEIGHTS":      {"SDVAE_WEIGHTS", Weights, "Path to the VAE weights (default ~/.sdvae/vae.safetensors)"},
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

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("SDVAE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Arch = "sd"
	if arch := clean("SDVAE_ARCH"); arch != "" {
		Arch = arch
	}

	MaxSize = 2048
	if oms := clean("SDVAE_MAX_SIZE"); oms != "" {
		val, err := strconv.Atoi(oms)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "SDVAE_MAX_SIZE", oms, "error", err)
		} else {
			MaxSize = val
		}
	}

	NumParallel = 1
	if onp := clean("SDVAE_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "SDVAE_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	NumThreads = runtime.NumCPU()
	if ont := clean("SDVAE_NUM_THREADS"); ont != "" {
		val, err := strconv.Atoi(ont)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "SDVAE_NUM_THREADS", ont, "error", err)
		} else {
			NumThreads = val
		}
	}

	Weights = clean("SDVAE_WEIGHTS")
	if Weights == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup home directory", "error", err)
		} else {
			Weights = filepath.Join(home, ".sdvae", "vae.safetensors")
		}
	}

	AllowOrigins = nil
	if origins := clean("SDVAE_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, allowOrigin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", allowOrigin),
			fmt.Sprintf("https://%s", allowOrigin),
			fmt.Sprintf("http://%s", net.JoinHostPort(allowOrigin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(allowOrigin, "*")),
		)
	}
}

// Host returns the scheme and host the server listens on. Configurable via SDVAE_HOST.
// Default is http://127.0.0.1:11535
func Host() *url.URL {
	defaultPort := "11535"

	s := clean("SDVAE_HOST")
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// LogLevel returns the slog level selected by SDVAE_DEBUG. SDVAE_DEBUG=1 enables debug
// logging and SDVAE_DEBUG=2 enables trace logging.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := clean("SDVAE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}
