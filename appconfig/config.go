package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
	"github.com/stevecastle/stereomatch/platform"
)

// S3Config points result uploads at a bucket. An empty Bucket disables
// uploads.
type S3Config struct {
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Prefix   string `json:"prefix"`
	Endpoint string `json:"endpoint"`
	// Static credentials; when empty the default AWS credential chain is used.
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

// Config holds application configuration: storage paths, the HTTP listen
// address, default matching parameters and result upload settings.
type Config struct {
	DBPath string `json:"dbPath"`

	// Where job results (disparity maps, histograms) are written
	OutputDir string `json:"outputDir"`

	// Where fetched datasets are downloaded and extracted
	CacheDir string `json:"cacheDir"`

	ListenAddr string `json:"listenAddr"`

	// Defaults applied to match jobs that leave a field unset
	Matching disparity.Options   `json:"matching"`
	Input    imageio.PairOptions `json:"input"`

	S3 S3Config `json:"s3"`

	// Number of jobs run at the same time
	Runners int `json:"runners"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "jobs.db")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

const defaultListenAddr = "localhost:8090"

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	return Config{
		DBPath:     DefaultDBPath(),
		OutputDir:  platform.GetResultsDir(),
		CacheDir:   platform.GetCacheDir(),
		ListenAddr: defaultListenAddr,
		Matching:   disparity.DefaultOptions(),
		Input:      imageio.PairOptions{Channel: imageio.ChannelLuma},
		Runners:    1,
		JWTSecret:  uuid.New().String(),
	}
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// parse decodes data on top of the defaults so that keys missing from the
// file keep their default values. The boolean reports whether a generated
// value (the JWT secret) had to be filled in and should be persisted.
func parse(data []byte) (Config, bool, error) {
	c := defaultConfig()
	generatedSecret := c.JWTSecret
	c.JWTSecret = ""
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, false, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	needsSave := false
	if c.JWTSecret == "" {
		c.JWTSecret = generatedSecret
		needsSave = true
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath()
		needsSave = true
	}
	if c.OutputDir == "" {
		c.OutputDir = platform.GetResultsDir()
	}
	if c.CacheDir == "" {
		c.CacheDir = platform.GetCacheDir()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.Runners < 1 {
		c.Runners = 1
	}
	if err := c.Matching.Validate(); err != nil {
		return Config{}, false, fmt.Errorf("config matching: %w", err)
	}
	return c, needsSave, nil
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
func Load() (Config, string, error) {
	path := getConfigPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %w", filepath.Dir(path), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			def := defaultConfig()
			if err := ensureDirs(def); err != nil {
				return Config{}, path, err
			}
			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %w", saveErr)
			}
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	c, needsSave, err := parse(data)
	if err != nil {
		return Config{}, path, err
	}
	if err := ensureDirs(c); err != nil {
		return Config{}, path, err
	}

	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			log.Printf("Warning: failed to save updated config: %v", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Defaults returns a fresh default config.
func Defaults() Config {
	return defaultConfig()
}

// Read returns the config on disk, or the defaults when there is none. It
// creates nothing and leaves the in-memory config alone.
func Read() (Config, error) {
	data, err := os.ReadFile(getConfigPath())
	if os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	if err != nil {
		return Config{}, err
	}
	c, _, err := parse(data)
	return c, err
}

func ensureDirs(c Config) error {
	for _, dir := range []string{filepath.Dir(c.DBPath), c.OutputDir, c.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the config to disk, creating the directory as needed. Unknown
// keys already present in the file are preserved. Returns the path.
func Save(c Config) (string, error) {
	path := getConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %w", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %w", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %w", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return path, nil
}
