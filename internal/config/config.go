package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrMissingCredentials = errors.New("missing credentials")

type Config struct {
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"`
	OutputDir   string `yaml:"output_dir"`
	UserTeamDir string `yaml:"team_dir"`
	// ProjectTeamDir is relative to the working directory.
	ProjectTeamDir string `yaml:"project_team_dir"`
	DefaultTeam    string `yaml:"default_team"`
	LogLevel       string `yaml:"log_level"`

	Credentials Credentials     `yaml:"credentials"`
	Sandbox     SandboxConfig   `yaml:"sandbox"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

type Credentials struct {
	Tavily string `yaml:"tavily_api_key"`
	Groq   string `yaml:"groq_api_key"`
	Google string `yaml:"google_api_key"`
	Cohere string `yaml:"cohere_api_key"`
}

type SandboxConfig struct {
	Image          string        `yaml:"image"`
	DockerHost     string        `yaml:"docker_host"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

func defaults(homeDir string) Config {
	dataDir := filepath.Join(homeDir, ".autodev")
	return Config{
		DataDir:        dataDir,
		OutputDir:      "output",
		ProjectTeamDir: ".autodev/teams",
		DefaultTeam:    "fullstack",
		LogLevel:       "info",
		Sandbox: SandboxConfig{
			Image:          "python:3.12-slim",
			ExecTimeout:    120 * time.Second,
			InstallTimeout: 300 * time.Second,
		},
	}
}

// New loads defaults, then the YAML config file, then .env, then the
// environment. Later sources win.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	c := defaults(homeDir)
	c.DataDir = getEnv("AUTODEV_DATA_DIR", c.DataDir)

	path := getEnv("AUTODEV_CONFIG", filepath.Join(c.DataDir, "config.yaml"))
	if err := c.loadFile(path); err != nil {
		return nil, err
	}

	// A missing .env is fine; keys may come from the real environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	c.applyEnv()

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "autodev.db")
	}
	if c.UserTeamDir == "" {
		c.UserTeamDir = filepath.Join(c.DataDir, "teams")
	}

	return &c, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.OutputDir = getEnv("AUTODEV_OUTPUT_DIR", c.OutputDir)
	c.LogLevel = getEnv("AUTODEV_LOG_LEVEL", c.LogLevel)
	c.DefaultTeam = getEnv("AUTODEV_TEAM", c.DefaultTeam)
	c.Sandbox.Image = getEnv("AUTODEV_SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.DockerHost = getEnv("DOCKER_HOST", c.Sandbox.DockerHost)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)

	c.Credentials.Tavily = getEnv("TAVILY_API_KEY", c.Credentials.Tavily)
	c.Credentials.Groq = getEnv("GROQ_API_KEY", c.Credentials.Groq)
	c.Credentials.Google = getEnv("GOOGLE_API_KEY", c.Credentials.Google)
	c.Credentials.Cohere = getEnv("COHERE_API_KEY", c.Credentials.Cohere)
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserTeamDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "autodev.log")
}

// Key returns the API key for a model provider or "tavily".
func (cr Credentials) Key(provider string) string {
	switch provider {
	case "tavily":
		return cr.Tavily
	case "groq":
		return cr.Groq
	case "google":
		return cr.Google
	case "cohere":
		return cr.Cohere
	}
	return ""
}

// EnvName is the environment variable a provider key is read from.
func EnvName(provider string) string {
	if provider == "google" {
		return "GOOGLE_API_KEY"
	}
	return strings.ToUpper(provider) + "_API_KEY"
}

// Validate checks that the search key and the key of every given model
// provider are present.
func (cr Credentials) Validate(providers ...string) error {
	var missing []string
	seen := map[string]bool{}
	for _, p := range append([]string{"tavily"}, providers...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		if strings.TrimSpace(cr.Key(p)) == "" {
			missing = append(missing, EnvName(p))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
