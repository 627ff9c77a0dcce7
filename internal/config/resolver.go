// Package config resolves scbridge settings from a YAML config file,
// environment variables, and CLI flags, with per-value provenance so the
// config command can show where each value came from.
//
// Precedence: CLI > env > config file > built-in default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath     string
	CLIDBPath      string
	CLIEndpoint    string
	CLISeed        string
	CLIAccelerator string
	CLIONNXModel   string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath      ResolvedValue `json:"db_path"`
	Endpoint    ResolvedValue `json:"endpoint"`
	APIKey      ResolvedValue `json:"api_key"`
	Seed        ResolvedValue `json:"seed"`
	Accelerator ResolvedValue `json:"accelerator"`

	ONNXModelPath   ResolvedValue `json:"onnx_model_path"`
	ONNXLibraryPath ResolvedValue `json:"onnx_library_path"`
}

type fileConfig struct {
	DBPath  string `yaml:"db_path"`
	Service struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"service"`
	Seed        string `yaml:"seed"`
	Accelerator string `yaml:"accelerator"`
	ONNX        struct {
		ModelPath   string `yaml:"model_path"`
		LibraryPath string `yaml:"library_path"`
	} `yaml:"onnx"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".scbridge", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath:  path,
		Seed:        ResolvedValue{Value: "2024", Source: SourceDefault, From: "built-in default"},
		Accelerator: ResolvedValue{Value: "gpu", Source: SourceDefault, From: "built-in default"},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.Endpoint, cfg.Service.Endpoint, SourceConfig, path)
		apply(&out.APIKey, cfg.Service.APIKey, SourceConfig, path)
		apply(&out.Seed, cfg.Seed, SourceConfig, path)
		apply(&out.Accelerator, cfg.Accelerator, SourceConfig, path)
		apply(&out.ONNXModelPath, cfg.ONNX.ModelPath, SourceConfig, path)
		apply(&out.ONNXLibraryPath, cfg.ONNX.LibraryPath, SourceConfig, path)
	}

	applyEnv(&out.DBPath, "SCBRIDGE_DB")
	applyEnv(&out.Endpoint, "SCBRIDGE_ENDPOINT")
	applyEnv(&out.APIKey, "SCBRIDGE_API_KEY")
	applyEnv(&out.Seed, "SCBRIDGE_SEED")
	applyEnv(&out.Accelerator, "SCBRIDGE_ACCELERATOR")
	applyEnv(&out.ONNXModelPath, "SCBRIDGE_ONNX_MODEL")
	applyEnv(&out.ONNXLibraryPath, "SCBRIDGE_ONNX_LIB")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.Endpoint, opts.CLIEndpoint, SourceCLI, "--endpoint")
	apply(&out.Seed, opts.CLISeed, SourceCLI, "--seed")
	apply(&out.Accelerator, opts.CLIAccelerator, SourceCLI, "--accelerator")
	apply(&out.ONNXModelPath, opts.CLIONNXModel, SourceCLI, "--onnx")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	if out.ONNXModelPath.Value != "" {
		out.ONNXModelPath.Value = expandUserPath(out.ONNXModelPath.Value)
	}

	switch out.Accelerator.Value {
	case "gpu", "cpu":
	default:
		return out, fmt.Errorf("invalid accelerator %q (want gpu or cpu), from %s", out.Accelerator.Value, out.Accelerator.From)
	}
	if _, err := out.SeedValue(); err != nil {
		return out, err
	}
	return out, nil
}

// SeedValue parses the resolved seed.
func (r ResolvedConfig) SeedValue() (int64, error) {
	seed, err := strconv.ParseInt(strings.TrimSpace(r.Seed.Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seed %q, from %s", r.Seed.Value, r.Seed.From)
	}
	return seed, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
