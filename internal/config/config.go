package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	KeyBuildApp         = "build.app"
	KeyBuildVersion     = "build.version"
	KeyBuildURL         = "build.url"
	KeyBuildMinVersion  = "build.min-version"
	KeyBuildBundlesDir  = "build.bundles-dir"
	KeyBuildBaselineDir = "build.baseline-dir"
	KeyBuildProjectDir  = "build.project-dir"
	KeyBuildShortHash   = "build.short-hash"
	KeyBuildPrettyPrint = "build.pretty-print"
	KeyBuildWorkers     = "build.workers"
	KeyBuildCopyBundles = "build.copy-bundles"

	KeyClientBaselineDir = "client.baseline-dir"
	KeyClientPatchDir    = "client.patch-dir"
	KeyClientTimeout     = "client.timeout"
	KeyClientUserAgent   = "client.user-agent"

	KeyHistoryPath  = "history.path"
	KeyOutputFormat = "output.format"
	KeyServeAddr    = "serve.addr"
	KeyServeDir     = "serve.dir"
	KeyServePrefix  = "serve.prefix"
	KeyDebug        = "debug"
)

const (
	// DefaultClientTimeout bounds each remote fetch.
	DefaultClientTimeout = 30 * time.Second
	// DirName is the per-user and per-project configuration directory.
	DirName   = ".deltapatch"
	envPrefix = "DP"
)

type initSettings struct {
	workingDir        string
	projectConfigPath string
	userConfigPath    string
	envFile           string
}

// Option configures Initialize behaviour. Useful for tests to override paths.
type Option func(*initSettings)

// WithWorkingDir overrides the directory used for project config discovery.
func WithWorkingDir(dir string) Option {
	return func(cfg *initSettings) {
		cfg.workingDir = dir
	}
}

// WithProjectConfig explicitly sets the project config path instead of discovery.
func WithProjectConfig(path string) Option {
	return func(cfg *initSettings) {
		cfg.projectConfigPath = path
	}
}

// WithUserConfig overrides the default user config path.
func WithUserConfig(path string) Option {
	return func(cfg *initSettings) {
		cfg.userConfigPath = path
	}
}

// WithEnvFile overrides the dotenv file loaded into the environment.
// Defaults to .env in the working directory.
func WithEnvFile(path string) Option {
	return func(cfg *initSettings) {
		cfg.envFile = path
	}
}

var (
	configOnce sync.Once
	configMu   sync.RWMutex
	configInst *viper.Viper
	initErr    error

	// userConfigPathOverride is used by tests to override the user config path.
	userConfigPathOverride string
)

// Initialize loads configuration using the precedence:
// defaults < user config < project config < .env / environment variables < overrides.
func Initialize(opts ...Option) error {
	configOnce.Do(func() {
		settings := initSettings{}
		for _, opt := range opts {
			opt(&settings)
		}
		initErr = configure(&settings)
	})
	return initErr
}

// ApplyOverrides injects values typically coming from CLI flags.
func ApplyOverrides(overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	if err := Initialize(); err != nil {
		return err
	}
	configMu.Lock()
	defer configMu.Unlock()
	if configInst == nil {
		return fmt.Errorf("configuration not initialized")
	}
	for k, v := range overrides {
		configInst.Set(k, v)
	}
	return nil
}

// GetString fetches a string configuration value, initializing on demand.
func GetString(key string) string {
	v, err := getViper()
	if err != nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool fetches a bool configuration value, initializing on demand.
func GetBool(key string) bool {
	v, err := getViper()
	if err != nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt fetches an integer configuration value, initializing on demand.
func GetInt(key string) int {
	v, err := getViper()
	if err != nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration fetches a duration configuration value, initializing on demand.
func GetDuration(key string) time.Duration {
	v, err := getViper()
	if err != nil {
		return 0
	}
	return v.GetDuration(key)
}

// AllSettings returns the merged configuration as a nested map.
func AllSettings() map[string]any {
	v, err := getViper()
	if err != nil {
		return nil
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return v.AllSettings()
}

// Set updates a configuration key at runtime, initializing on demand.
func Set(key string, value any) error {
	if err := Initialize(); err != nil {
		return err
	}
	configMu.Lock()
	defer configMu.Unlock()
	if configInst == nil {
		return fmt.Errorf("configuration not initialized")
	}
	configInst.Set(key, value)
	return nil
}

func configure(settings *initSettings) error {
	workingDir := strings.TrimSpace(settings.workingDir)
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine working directory: %w", err)
		}
		workingDir = wd
	}

	userConfigPath := strings.TrimSpace(settings.userConfigPath)
	if userConfigPath == "" {
		path, err := defaultUserConfigPath()
		if err != nil {
			return err
		}
		userConfigPath = path
	}

	projectConfigPath := strings.TrimSpace(settings.projectConfigPath)
	if projectConfigPath == "" {
		path, err := findProjectConfig(workingDir)
		if err != nil {
			return err
		}
		projectConfigPath = path
	}

	envFile := strings.TrimSpace(settings.envFile)
	if envFile == "" {
		envFile = filepath.Join(workingDir, ".env")
	}
	if err := loadEnvFile(envFile); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := mergeConfigFile(v, userConfigPath); err != nil {
		return fmt.Errorf("load user config: %w", err)
	}
	if err := mergeConfigFile(v, projectConfigPath); err != nil {
		return fmt.Errorf("load project config: %w", err)
	}

	configMu.Lock()
	defer configMu.Unlock()
	configInst = v
	return nil
}

// loadEnvFile copies variables from a dotenv file into the process
// environment. Variables that are already set win.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	//nolint:gosec // G304: Config loader intentionally reads user and project config files
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine user home: %w", err)
	}
	return filepath.Join(home, DirName, "config.yaml"), nil
}

func findProjectConfig(startDir string) (string, error) {
	if strings.TrimSpace(startDir) == "" {
		return "", nil
	}
	dir := startDir
	for {
		candidate := filepath.Join(dir, DirName, "config.yaml")
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

// DefaultHistoryPath returns ~/.deltapatch/history.db, or a relative path
// when the home directory is unknown.
func DefaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DirName, "history.db")
	}
	return filepath.Join(home, DirName, "history.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyBuildApp, "")
	v.SetDefault(KeyBuildVersion, "")
	v.SetDefault(KeyBuildURL, "")
	v.SetDefault(KeyBuildMinVersion, "")
	v.SetDefault(KeyBuildBundlesDir, "")
	v.SetDefault(KeyBuildBaselineDir, "")
	v.SetDefault(KeyBuildProjectDir, ".")
	v.SetDefault(KeyBuildShortHash, true)
	v.SetDefault(KeyBuildPrettyPrint, true)
	v.SetDefault(KeyBuildWorkers, 0)
	v.SetDefault(KeyBuildCopyBundles, false)

	v.SetDefault(KeyClientBaselineDir, "")
	v.SetDefault(KeyClientPatchDir, "")
	v.SetDefault(KeyClientTimeout, DefaultClientTimeout)
	v.SetDefault(KeyClientUserAgent, "")

	v.SetDefault(KeyHistoryPath, DefaultHistoryPath())
	v.SetDefault(KeyOutputFormat, "rich")
	v.SetDefault(KeyServeAddr, ":8080")
	v.SetDefault(KeyServeDir, "")
	v.SetDefault(KeyServePrefix, "/")
	v.SetDefault(KeyDebug, false)
}

func getViper() (*viper.Viper, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	configMu.RLock()
	defer configMu.RUnlock()
	if configInst == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return configInst, nil
}

// reset clears package state for tests.
//
//nolint:unused // Used in config_test.go
func reset() {
	configMu.Lock()
	defer configMu.Unlock()
	configInst = nil
	initErr = nil
	configOnce = sync.Once{}
	userConfigPathOverride = ""
}

// ResetForTesting clears package state for tests in other packages.
// Returns a cleanup function that should be deferred.
func ResetForTesting(t interface{ TempDir() string }) func() {
	reset()
	tmp := t.TempDir()
	_ = Initialize(WithWorkingDir(tmp), WithUserConfig(filepath.Join(tmp, "user.yaml")))
	return reset
}

// setUserConfigPathOverride sets the user config path for tests.
//
//nolint:unused // Used in config_test.go
func setUserConfigPathOverride(path string) {
	userConfigPathOverride = path
}

// Save persists key to the appropriate config file and returns its path.
// If a project config (.deltapatch/config.yaml) exists, it updates that file.
// Otherwise, it updates the user config (~/.deltapatch/config.yaml).
// The user config directory is auto-created if needed, but project config
// directories are never auto-created.
func Save(key string, value any) (string, error) {
	targetPath, err := findWritableConfigPath()
	if err != nil {
		return "", fmt.Errorf("find config path: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(targetPath)
	_ = v.ReadInConfig() // ignore error if file doesn't exist

	v.Set(key, value)

	dir := filepath.Dir(targetPath)
	//nolint:gosec // G301: User config directory needs standard permissions
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}
	if err := v.WriteConfigAs(targetPath); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}

	if err := Set(key, value); err != nil {
		return targetPath, err
	}
	return targetPath, nil
}

// findWritableConfigPath determines which config file to write to.
// Returns project config path if it exists, otherwise user config path.
func findWritableConfigPath() (string, error) {
	wd, err := os.Getwd()
	if err == nil {
		projectPath, err := findProjectConfig(wd)
		if err == nil && projectPath != "" {
			return projectPath, nil
		}
	}

	if userConfigPathOverride != "" {
		return userConfigPathOverride, nil
	}
	return defaultUserConfigPath()
}
