package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/BadgerOps/modelinstall/internal/safety"
)

// Source kinds
const (
	KindLocal = "local"
	KindHTTP  = "http"
	KindBlob  = "blob"
)

// Config is the top-level configuration
type Config struct {
	Artifact ArtifactConfig `yaml:"artifact"`
	Transfer TransferConfig `yaml:"transfer"`
	Verify   VerifyConfig   `yaml:"verify"`
	Store    StoreConfig    `yaml:"store"`
}

// ArtifactConfig describes what to install and where
type ArtifactConfig struct {
	Source       SourceConfig `yaml:"source"`
	Suffix       string       `yaml:"suffix"`
	FileName     string       `yaml:"file_name"`
	TargetDir    string       `yaml:"target_dir"`
	ExpectedSize string       `yaml:"expected_size"`
	SHA256       string       `yaml:"sha256"`
	MinSize      string       `yaml:"min_size"`
	TieBreak     string       `yaml:"tie_break"`
}

// SourceConfig locates the artifact. Setting Folder turns on discovery:
// the folder is listed and the one object ending in Suffix is installed.
//
//	local: path is the file, or the root directory when folder is set
//	http:  url is the file, or the listing API base when folder is set
//	blob:  bucket is a gocloud URL (gs://, s3://, file://); object is the key
type SourceConfig struct {
	Kind    string            `yaml:"kind"`
	Path    string            `yaml:"path,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Bucket  string            `yaml:"bucket,omitempty"`
	Object  string            `yaml:"object,omitempty"`
	Folder  string            `yaml:"folder,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// TransferConfig holds transfer engine settings
type TransferConfig struct {
	ConnectTimeout string `yaml:"connect_timeout"`
	ReadTimeout    string `yaml:"read_timeout"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryDelay     string `yaml:"retry_delay"`
	Backoff        string `yaml:"backoff"`
	ProbeURL       string `yaml:"probe_url"`
	UserAgent      string `yaml:"user_agent"`
}

// VerifyConfig holds integrity verification settings
type VerifyConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ChunkSize string `yaml:"chunk_size"`
}

// StoreConfig holds install history settings
type StoreConfig struct {
	DBPath   string `yaml:"db_path"`
	KeepRuns int    `yaml:"keep_runs"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Artifact: ArtifactConfig{
			Source:    SourceConfig{Kind: KindHTTP},
			Suffix:    ".task",
			TargetDir: "/var/lib/modelinstall/models",
			MinSize:   "1MiB",
			TieBreak:  "strict",
		},
		Transfer: TransferConfig{
			ConnectTimeout: "30s",
			ReadTimeout:    "60s",
			RetryAttempts:  3,
			RetryDelay:     "2s",
			Backoff:        "linear",
			UserAgent:      "modelinstall/1.0",
		},
		Verify: VerifyConfig{
			Enabled:   true,
			ChunkSize: "1MiB",
		},
		Store: StoreConfig{
			KeepRuns: 50,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"modelinstall.yaml",
		"/etc/modelinstall/modelinstall.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "modelinstall", "modelinstall.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ============================================================================
// Errors
// ============================================================================

// Config error kinds
const (
	ErrKindInvalidSource  = "invalid-source"
	ErrKindInvalidSetting = "invalid-setting"
)

// ErrInvalid is matched by every ConfigError.
var ErrInvalid = errors.New("invalid configuration")

// ConfigError reports a field that failed validation
type ConfigError struct {
	Kind  string
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s: %v", e.Kind, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalid }

func sourceErr(field, format string, args ...any) error {
	return &ConfigError{Kind: ErrKindInvalidSource, Field: field, Err: fmt.Errorf(format, args...)}
}

func settingErr(field string, err error) error {
	return &ConfigError{Kind: ErrKindInvalidSetting, Field: field, Err: err}
}

// ============================================================================
// Validation
// ============================================================================

// Validate checks the whole config and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateSource()...)

	a := c.Artifact
	if a.TargetDir == "" {
		errs = append(errs, settingErr("artifact.target_dir", errors.New("required")))
	}
	if a.FileName != "" {
		if _, err := safety.CleanFileName(a.FileName); err != nil {
			errs = append(errs, settingErr("artifact.file_name", err))
		}
	}
	if a.SHA256 != "" && !isHexDigest(a.SHA256) {
		errs = append(errs, settingErr("artifact.sha256", fmt.Errorf("expected 64 hex characters, got %q", a.SHA256)))
	}
	if _, err := a.ExpectedBytes(); err != nil {
		errs = append(errs, settingErr("artifact.expected_size", err))
	}
	if _, err := a.MinBytes(); err != nil {
		errs = append(errs, settingErr("artifact.min_size", err))
	}
	switch a.TieBreak {
	case "", "strict", "first":
	default:
		errs = append(errs, settingErr("artifact.tie_break", fmt.Errorf("must be strict or first, got %q", a.TieBreak)))
	}

	t := c.Transfer
	if t.RetryAttempts < 0 {
		errs = append(errs, settingErr("transfer.retry_attempts", fmt.Errorf("must not be negative, got %d", t.RetryAttempts)))
	}
	for field, val := range map[string]string{
		"transfer.connect_timeout": t.ConnectTimeout,
		"transfer.read_timeout":    t.ReadTimeout,
		"transfer.retry_delay":     t.RetryDelay,
	} {
		if _, err := parseDuration(val); err != nil {
			errs = append(errs, settingErr(field, err))
		}
	}
	switch t.Backoff {
	case "", "linear", "fixed":
	default:
		errs = append(errs, settingErr("transfer.backoff", fmt.Errorf("must be linear or fixed, got %q", t.Backoff)))
	}
	if t.ProbeURL != "" {
		if _, err := safety.ValidateHTTPURL(t.ProbeURL); err != nil {
			errs = append(errs, settingErr("transfer.probe_url", err))
		}
	}
	if _, err := c.Verify.ChunkBytes(); err != nil {
		errs = append(errs, settingErr("verify.chunk_size", err))
	}

	return errors.Join(errs...)
}

func (c *Config) validateSource() []error {
	s := c.Artifact.Source
	var errs []error
	switch s.Kind {
	case KindLocal:
		if s.Path == "" {
			errs = append(errs, sourceErr("artifact.source.path", "required for local sources"))
		} else if !filepath.IsAbs(s.Path) {
			errs = append(errs, sourceErr("artifact.source.path", "must be absolute, got %q", s.Path))
		}
	case KindHTTP:
		if s.URL == "" {
			errs = append(errs, sourceErr("artifact.source.url", "required for http sources"))
		} else if _, err := safety.ValidateHTTPURL(s.URL); err != nil {
			errs = append(errs, sourceErr("artifact.source.url", "%v", err))
		}
	case KindBlob:
		if s.Bucket == "" {
			errs = append(errs, sourceErr("artifact.source.bucket", "required for blob sources"))
		} else if _, err := safety.ValidateBucketURL(s.Bucket); err != nil {
			errs = append(errs, sourceErr("artifact.source.bucket", "%v", err))
		}
		if s.Object == "" && s.Folder == "" {
			errs = append(errs, sourceErr("artifact.source.object", "object or folder is required for blob sources"))
		}
	case "":
		errs = append(errs, sourceErr("artifact.source.kind", "required"))
	default:
		errs = append(errs, sourceErr("artifact.source.kind", "unknown kind %q (want local, http or blob)", s.Kind))
	}
	if s.Folder != "" && c.Artifact.Suffix == "" {
		errs = append(errs, sourceErr("artifact.suffix", "required when discovering from a folder"))
	}
	return errs
}

// Warnings returns non-fatal concerns about the config.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Artifact.Source.Kind == KindHTTP {
		if u, err := safety.ValidateHTTPURL(c.Artifact.Source.URL); err == nil && safety.IsInsecureRemote(u) {
			warnings = append(warnings, fmt.Sprintf("artifact is fetched over plain HTTP from %s", u.Host))
		}
	}
	if c.Artifact.SHA256 == "" && c.Verify.Enabled {
		warnings = append(warnings, "no sha256 configured: only basic file checks will run")
	}
	if c.Artifact.SHA256 != "" && !c.Verify.Enabled {
		warnings = append(warnings, "verify.enabled is false but a sha256 is configured: the digest is still checked")
	}
	return warnings
}

func isHexDigest(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// ============================================================================
// Derived values
// ============================================================================

// NeedsDiscovery reports whether the artifact name is resolved at runtime.
func (s SourceConfig) NeedsDiscovery() bool {
	return s.Folder != ""
}

// Location is the primary location field for the source kind.
func (s SourceConfig) Location() string {
	switch s.Kind {
	case KindLocal:
		return s.Path
	case KindHTTP:
		return s.URL
	case KindBlob:
		if s.Object != "" {
			return strings.TrimSuffix(s.Bucket, "/") + "/" + s.Object
		}
		return s.Bucket
	}
	return ""
}

// Key identifies the configured artifact in install history. It changes
// when the source or destination does, so a new source is installed fresh.
func (c *Config) Key() string {
	s := c.Artifact.Source
	key := s.Kind + ":" + s.Location()
	if s.Folder != "" {
		key += "#" + strings.Trim(s.Folder, "/") + "/*" + strings.ToLower(c.Artifact.Suffix)
	}
	return key + "->" + filepath.Clean(c.Artifact.TargetDir)
}

// DefaultFileName is the file name used when nothing else names the
// artifact: the configured file_name, else the last element of the source.
func (c *Config) DefaultFileName() string {
	if c.Artifact.FileName != "" {
		return c.Artifact.FileName
	}
	s := c.Artifact.Source
	if s.NeedsDiscovery() {
		return ""
	}
	loc := s.Location()
	if s.Kind == KindHTTP {
		if i := strings.IndexAny(loc, "?#"); i >= 0 {
			loc = loc[:i]
		}
	}
	name := loc[strings.LastIndexAny(loc, `/\`)+1:]
	if _, err := safety.CleanFileName(name); err != nil {
		return ""
	}
	return name
}

// DBPath is the install history database path.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.Artifact.TargetDir, ".modelinstall", "history.db")
}

// ExpectedBytes parses expected_size; zero means unknown.
func (a ArtifactConfig) ExpectedBytes() (int64, error) {
	return parseSize(a.ExpectedSize)
}

// MinBytes parses min_size.
func (a ArtifactConfig) MinBytes() (int64, error) {
	return parseSize(a.MinSize)
}

// Durations returns the parsed connect timeout, read timeout and retry delay.
func (t TransferConfig) Durations() (connect, read, delay time.Duration, err error) {
	if connect, err = parseDuration(t.ConnectTimeout); err != nil {
		return 0, 0, 0, fmt.Errorf("connect_timeout: %w", err)
	}
	if read, err = parseDuration(t.ReadTimeout); err != nil {
		return 0, 0, 0, fmt.Errorf("read_timeout: %w", err)
	}
	if delay, err = parseDuration(t.RetryDelay); err != nil {
		return 0, 0, 0, fmt.Errorf("retry_delay: %w", err)
	}
	return connect, read, delay, nil
}

// ChunkBytes parses chunk_size.
func (v VerifyConfig) ChunkBytes() (int64, error) {
	return parseSize(v.ChunkSize)
}

// parseSize accepts humanized sizes such as "1MiB", "25GB" or "1048576".
func parseSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}

func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
