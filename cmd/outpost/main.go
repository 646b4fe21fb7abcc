// Command outpost is a log forwarding agent: it reads log lines from stdin,
// files or TCP and ships them as OTLP through the outpost pipeline.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/outpost/internal/model"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	var printConfig bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/outpost/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.BoolVar(&printConfig, "print-config", false, "print the effective configuration and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("Outpost - Telemetry Forwarding Agent\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if printConfig {
		if err := writeConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runAgent(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("OUTPOST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("endpoint", "")
	v.SetDefault("api-key", "")
	v.SetDefault("service-name", defaultServiceName)
	v.SetDefault("service-version", "")
	v.SetDefault("encoding", "json")
	v.SetDefault("timeout", model.DefaultExportTimeout)
	v.SetDefault("max-retries", model.DefaultMaxRetries)
	v.SetDefault("base-delay", model.DefaultBaseDelay)
	v.SetDefault("max-delay", model.DefaultMaxDelay)
	v.SetDefault("circuit-threshold", model.DefaultCircuitThreshold)
	v.SetDefault("circuit-cooldown", model.DefaultCircuitCooldown)
	v.SetDefault("batch-preset", model.PresetDefault)
	v.SetDefault("network-probe-interval", defaultProbeInterval)
	v.SetDefault("durable", true)
	v.SetDefault("queue-dir", filepath.Join(home, ".local", "share", "outpost", "queue"))
	v.SetDefault("provider-batch-size", model.DefaultProviderBatchSize)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-dev", false)
	v.SetDefault("log-dir", filepath.Join(home, ".local", "state", "outpost"))
	v.SetDefault("processor", "parse")
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("shutdown-timeout", defaultShutdownTimeout)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "outpost", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	// retry-delay is accepted as another name for base-delay.
	if v.IsSet("retry-delay") && !v.InConfig("base-delay") {
		if _, ok := os.LookupEnv("OUTPOST_BASE_DELAY"); !ok {
			v.Set("base-delay", v.Get("retry-delay"))
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if cfg.Endpoint == "" {
		return cfg, errors.New("endpoint is required (set endpoint in the config file or OUTPOST_ENDPOINT)")
	}
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return cfg, fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return cfg, fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if _, err := cfg.pipelineConfig(); err != nil {
		return cfg, err
	}

	for _, p := range []*string{&cfg.QueueDir, &cfg.LogDir} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.Host == "" {
		cfg.Host = defaultBindHost
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

// writeConfig prints cfg as YAML with the API key masked.
func writeConfig(w io.Writer, cfg appConfig) error {
	if cfg.APIKey != "" {
		cfg.APIKey = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
