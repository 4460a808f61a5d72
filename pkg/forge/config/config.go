package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
)

// EnvPrefix is the prefix for environment overrides (FORGEVISOR_SERVER_DIR, ...).
const EnvPrefix = "FORGEVISOR"

// PTYConfig sizes the pseudo-terminal.
type PTYConfig struct {
	Cols int `mapstructure:"cols"`
	Rows int `mapstructure:"rows"`
}

// ServerConfig describes the supervised server process.
type ServerConfig struct {
	Dir        string    `mapstructure:"dir"`
	Command    []string  `mapstructure:"command"`
	AutoStart  bool      `mapstructure:"auto_start"`
	PTY        PTYConfig `mapstructure:"pty"`
	ConsoleLog string    `mapstructure:"console_log"`
}

// ModsConfig configures mod tracking.
type ModsConfig struct {
	Dir         string        `mapstructure:"dir"`      // empty means <server.dir>/mods
	Manifest    string        `mapstructure:"manifest"` // empty means <server.dir>/mods.json
	HashWorkers int           `mapstructure:"hash_workers"`
	Watch       bool          `mapstructure:"watch"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// VersionConfig is the desired game and loader version.
type VersionConfig struct {
	Minecraft string `mapstructure:"minecraft"`
	Forge     string `mapstructure:"forge"`
}

// InstallConfig configures the installer command run on version changes.
type InstallConfig struct {
	Command []string `mapstructure:"command"`
}

// WebhookConfig is one configured event subscription.
type WebhookConfig struct {
	Kind   string   `mapstructure:"kind"`
	URL    string   `mapstructure:"url"`
	Events []string `mapstructure:"events"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	Listen      string   `mapstructure:"listen"`
	TokenHash   string   `mapstructure:"token_hash"` // bcrypt hash; empty disables auth
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DaemonConfig configures the background daemon.
type DaemonConfig struct {
	SocketPath string `mapstructure:"socket_path"`
	PIDPath    string `mapstructure:"pid_path"`
	DataDir    string `mapstructure:"data_dir"`
	Token      string `mapstructure:"token"` // bearer token the CLI presents
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Console    string            `mapstructure:"console"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
}

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Mods     ModsConfig      `mapstructure:"mods"`
	Version  VersionConfig   `mapstructure:"version"`
	Install  InstallConfig   `mapstructure:"install"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
	API      APIConfig       `mapstructure:"api"`
	Daemon   DaemonConfig    `mapstructure:"daemon"`
	Logging  LoggingConfig   `mapstructure:"logging"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.dir", DefaultServerDir())
	v.SetDefault("server.command", DefaultCommand)
	v.SetDefault("server.auto_start", false)
	v.SetDefault("server.pty.cols", DefaultPTYCols)
	v.SetDefault("server.pty.rows", DefaultPTYRows)
	v.SetDefault("server.console_log", DefaultConsoleLog)

	v.SetDefault("mods.dir", "")
	v.SetDefault("mods.manifest", "")
	v.SetDefault("mods.hash_workers", DefaultHashWorkers)
	v.SetDefault("mods.watch", false)
	v.SetDefault("mods.debounce", DefaultDebounce)

	v.SetDefault("version.minecraft", "")
	v.SetDefault("version.forge", "")
	v.SetDefault("install.command", []string{})
	v.SetDefault("webhooks", []WebhookConfig{})

	v.SetDefault("api.listen", DefaultListen)
	v.SetDefault("api.token_hash", "")
	v.SetDefault("api.cors_origins", []string{})

	v.SetDefault("daemon.socket_path", "") // empty means DefaultSocketPath
	v.SetDefault("daemon.pid_path", "")    // empty means DefaultPIDPath
	v.SetDefault("daemon.data_dir", "")    // empty means DataDir
	v.SetDefault("daemon.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "") // empty means logging.DefaultLogPath
	v.SetDefault("logging.console", "")
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"daemon":     "info",
		"supervisor": "info",
		"events":     "info",
		"moddiff":    "info",
		"watcher":    "warn",
	})
}

// New returns a viper instance with forgevisor's search paths, environment
// binding and defaults applied. A non-empty file overrides the search paths.
func New(file string) (*viper.Viper, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			v.AddConfigPath(filepath.Join(xdgConfigHome, "forgevisor"))
		}

		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(homeDir, ".config", "forgevisor"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// Load loads configuration from file and environment variables.
// Config file locations (in order of precedence):
//   - the explicit file, when non-empty
//   - $XDG_CONFIG_HOME/forgevisor/config.yaml
//   - $HOME/.config/forgevisor/config.yaml
//
// Environment variables are prefixed with FORGEVISOR_ (e.g. FORGEVISOR_SERVER_DIR).
func Load(file string) (*Config, error) {
	v, err := New(file)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and normalises the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Server.Dir, err = ExpandPath(c.Server.Dir); err != nil {
		return err
	}
	if c.Mods.Dir, err = ExpandPath(c.Mods.Dir); err != nil {
		return err
	}
	if c.Mods.Manifest, err = ExpandPath(c.Mods.Manifest); err != nil {
		return err
	}
	if c.Daemon.DataDir, err = ExpandPath(c.Daemon.DataDir); err != nil {
		return err
	}

	if c.Server.PTY.Cols <= 0 {
		c.Server.PTY.Cols = DefaultPTYCols
	}
	if c.Server.PTY.Rows <= 0 {
		c.Server.PTY.Rows = DefaultPTYRows
	}
	if c.Mods.HashWorkers <= 0 {
		c.Mods.HashWorkers = DefaultHashWorkers
	}
	if c.Mods.Debounce <= 0 {
		c.Mods.Debounce = DefaultDebounce
	}
	return nil
}

// Validate reports configuration that cannot run a server.
func (c *Config) Validate() error {
	if c.Server.Dir == "" {
		return errors.New("server.dir is required")
	}
	if len(c.Server.Command) == 0 {
		return errors.New("server.command is required")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhooks[%d]: url is required", i)
		}
	}
	return nil
}

// ModsDir returns the mod directory, defaulting to <server.dir>/mods.
func (c *Config) ModsDir() string {
	if c.Mods.Dir != "" {
		return c.Mods.Dir
	}
	return filepath.Join(c.Server.Dir, DefaultModsDir)
}

// ManifestPath returns the manifest path, defaulting to <server.dir>/mods.json.
func (c *Config) ManifestPath() string {
	if c.Mods.Manifest != "" {
		return c.Mods.Manifest
	}
	return filepath.Join(c.Server.Dir, DefaultManifestName)
}

// ConsoleLogPath returns the console log sink path.
func (c *Config) ConsoleLogPath() string {
	p := c.Server.ConsoleLog
	if p == "" {
		p = DefaultConsoleLog
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Server.Dir, p)
}

// SocketPath returns the configured gRPC socket path or the default.
func (c *Config) SocketPath() string {
	if c.Daemon.SocketPath != "" {
		return c.Daemon.SocketPath
	}
	return DefaultSocketPath()
}

// PIDPath returns the configured PID file path or the default.
func (c *Config) PIDPath() string {
	if c.Daemon.PIDPath != "" {
		return c.Daemon.PIDPath
	}
	return DefaultPIDPath()
}

// DataPath returns the configured data directory or the default.
func (c *Config) DataPath() string {
	if c.Daemon.DataDir != "" {
		return c.Daemon.DataDir
	}
	return DataDir()
}

// LoggingOptions converts the logging section into logging.Config.
func (c *Config) LoggingOptions() (logging.Config, error) {
	rot := logging.RotationConfig{
		MaxAge:     c.Logging.Rotation.MaxAge,
		MaxBackups: c.Logging.Rotation.MaxBackups,
		Daily:      c.Logging.Rotation.Daily,
	}
	if c.Logging.Rotation.MaxSize != "" {
		size, err := humanize.ParseBytes(c.Logging.Rotation.MaxSize)
		if err != nil {
			return logging.Config{}, fmt.Errorf("logging.rotation.max_size: %w", err)
		}
		rot.MaxSize = int64(size)
	}
	return logging.Config{
		Level:        c.Logging.Level,
		Path:         c.Logging.Path,
		Rotation:     rot,
		Components:   c.Logging.Components,
		ConsoleLevel: c.Logging.Console,
	}, nil
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "forgevisor"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "forgevisor"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// WriteDefault writes a default config file if none exists and returns its
// path. An existing file is left untouched.
func WriteDefault() (string, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	defaultConfig := fmt.Sprintf(`# forgevisor configuration

server:
  # Directory the server runs in (eula.txt, server.jar, mods/, world/ live here)
  dir: %s
  # Command line, run inside server.dir under a pseudo-terminal
  command: [%s]
  # Start the server when forgevisord starts
  auto_start: false
  pty:
    cols: %d
    rows: %d
  # Console log sink, relative to server.dir
  console_log: %s

mods:
  # Mod directory (empty means <server.dir>/mods)
  dir: ""
  # Manifest file (empty means <server.dir>/mods.json)
  manifest: ""
  hash_workers: %d
  # Rescan the mod directory when it changes
  watch: false
  debounce: %s

version:
  minecraft: ""
  forge: ""

install:
  # Run when version.minecraft/version.forge differ from version.json.
  # FORGEVISOR_VERSION and FORGEVISOR_FORGE_VERSION are set in its environment.
  command: []

# Webhook subscriptions
#   - kind: webhook
#     url: https://example.com/hook
#     events: [status, modAddition, modUpdate, modDeletion, versionChange]
webhooks: []

api:
  listen: %s
  # bcrypt hash of the API token (see: forgevisor token hash); empty disables auth
  token_hash: ""
  cors_origins: []

daemon:
  # Unix socket for the health service (empty means $XDG_DATA_HOME/forgevisor/forgevisor.sock)
  socket_path: ""
  # PID file (empty means $XDG_DATA_HOME/forgevisor/forgevisor.pid)
  pid_path: ""
  # Event journal directory (empty means $XDG_DATA_HOME/forgevisor)
  data_dir: ""
  # Token the CLI sends to the API
  token: ""

logging:
  # Log level: debug, info, warn, error
  level: info
  # Log file path (empty means $XDG_STATE_HOME/forgevisor/forgevisor.log)
  path: ""
  rotation:
    max_size: 10MB
    max_age: 30       # days
    max_backups: 5
    daily: true
  components:
    daemon: info
    supervisor: info
    events: info
    moddiff: info
    watcher: warn
`, DefaultServerDir(), quoteList(DefaultCommand), DefaultPTYCols, DefaultPTYRows, DefaultConsoleLog,
		DefaultHashWorkers, DefaultDebounce, DefaultListen)

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}

	return configPath, nil
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}

// ExpandPath expands ~ in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/forgevisor/ for the journal, socket, and pid files.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "forgevisor")
}

// StateDir returns $XDG_STATE_HOME/forgevisor/ for log files.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "forgevisor")
}

// DefaultServerDir returns $XDG_DATA_HOME/forgevisor/server.
func DefaultServerDir() string {
	return filepath.Join(DataDir(), "server")
}

// DefaultSocketPath returns the default Unix socket path.
func DefaultSocketPath() string {
	return filepath.Join(DataDir(), "forgevisor.sock")
}

// DefaultPIDPath returns the default PID file path.
func DefaultPIDPath() string {
	return filepath.Join(DataDir(), "forgevisor.pid")
}

// DefaultStatusPath returns the default daemon status file path.
func DefaultStatusPath() string {
	return filepath.Join(DataDir(), "status.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
