// pkg/config/config.go

package config

import (
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigError marks invalid startup configuration; it is always fatal.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

type PatternConfig struct {
	ID  string `yaml:"id"`
	Hex string `yaml:"hex"`
}

type FileTypeConfig struct {
	ID             string          `yaml:"id"`
	Extension      string          `yaml:"extension"`
	HeaderPatterns []PatternConfig `yaml:"header_patterns"`
	MinSize        uint64          `yaml:"min_size"`
	MaxSize        uint64          `yaml:"max_size"`
}

type Config struct {
	RunID        string `yaml:"run_id"`
	OverlapBytes uint64 `yaml:"overlap_bytes"`

	MaxFiles  uint64 `yaml:"max_files"`
	MaxBytes  uint64 `yaml:"max_bytes"`
	MaxChunks uint64 `yaml:"max_chunks"`

	EnableDedup bool `yaml:"enable_dedup"`

	SqliteWalMaxConsecutiveChecksumFailures uint32   `yaml:"sqlite_wal_max_consecutive_checksum_failures"`
	SqlitePageMaxHitsPerChunk               int      `yaml:"sqlite_page_max_hits_per_chunk"`
	SqlitePageSizes                         []uint32 `yaml:"sqlite_page_sizes"`

	FileTypes []FileTypeConfig `yaml:"file_types"`
}

// Default returns the built-in configuration covering the shipped handlers.
func Default() *Config {
	return &Config{
		OverlapBytes: 65536,

		SqliteWalMaxConsecutiveChecksumFailures: 2,
		SqlitePageMaxHitsPerChunk:               4096,
		// descending by likelihood; first match wins
		SqlitePageSizes: []uint32{4096, 1024, 2048, 8192, 16384, 32768, 65536, 512},

		FileTypes: []FileTypeConfig{
			{
				ID:        "sqlite_wal",
				Extension: "wal",
				HeaderPatterns: []PatternConfig{
					{ID: "sqlite_wal_magic_82", Hex: "377f0682"},
					{ID: "sqlite_wal_magic_83", Hex: "377f0683"},
				},
				MinSize: 32,
			},
			{
				ID:        "sqlite_page",
				Extension: "page",
				HeaderPatterns: []PatternConfig{
					{ID: "sqlite_page_table_leaf", Hex: "0d"},
					{ID: "sqlite_page_index_leaf", Hex: "0a"},
				},
				MinSize: 512,
			},
			{
				ID:        "jpeg",
				Extension: "jpg",
				HeaderPatterns: []PatternConfig{
					{ID: "jpeg_soi_jfif", Hex: "ffd8ffe0"},
					{ID: "jpeg_soi_exif", Hex: "ffd8ffe1"},
				},
				MinSize: 1024,
				MaxSize: 64 << 20,
			},
			{
				ID:        "png",
				Extension: "png",
				HeaderPatterns: []PatternConfig{
					{ID: "png_sig", Hex: "89504e470d0a1a0a"},
				},
				MinSize: 256,
				MaxSize: 64 << 20,
			},
			{
				ID:        "gzip",
				Extension: "gz",
				HeaderPatterns: []PatternConfig{
					{ID: "gzip_deflate", Hex: "1f8b08"},
				},
				MinSize: 64,
				MaxSize: 256 << 20,
			},
		},
	}
}

// Load builds a config from the defaults, an optional YAML file on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = GenerateRunID()
	}
	return cfg, nil
}

// GenerateRunID returns `YYYYMMDDThhmmssZ_<uuid8>`.
func GenerateRunID() string {
	return fmt.Sprintf("%s_%s",
		time.Now().UTC().Format("20060102T150405Z"),
		uuid.New().String()[:8])
}

// MaxPatternLength reports the longest configured header pattern in bytes.
func (c *Config) MaxPatternLength() (int, error) {
	var longest int
	for _, ft := range c.FileTypes {
		for _, p := range ft.HeaderPatterns {
			raw, err := hex.DecodeString(strings.TrimSpace(p.Hex))
			if err != nil {
				return 0, configErrorf("invalid hex pattern %s: %s", p.ID, err)
			}
			if len(raw) > longest {
				longest = len(raw)
			}
		}
	}
	return longest, nil
}

// Validate enforces the startup preconditions. A violation is fatal.
func (c *Config) Validate() error {
	longest, err := c.MaxPatternLength()
	if err != nil {
		return err
	}
	if longest == 0 {
		return configErrorf("no header patterns configured")
	}
	if c.OverlapBytes < uint64(longest-1) {
		return configErrorf("overlap_bytes %d is smaller than the longest pattern minus one (%d)",
			c.OverlapBytes, longest-1)
	}
	if len(c.SqlitePageSizes) == 0 {
		return configErrorf("sqlite_page_sizes allow-list is empty")
	}
	for _, ps := range c.SqlitePageSizes {
		if ps < 512 || ps > 65536 || ps&(ps-1) != 0 {
			return configErrorf("sqlite_page_sizes entry %d is not a power of two in [512, 65536]", ps)
		}
	}
	if c.SqlitePageMaxHitsPerChunk <= 0 {
		return configErrorf("sqlite_page_max_hits_per_chunk must be positive")
	}
	for _, ft := range c.FileTypes {
		if ft.MaxSize > 0 && ft.MinSize > ft.MaxSize {
			return configErrorf("file type %s: min_size %d exceeds max_size %d", ft.ID, ft.MinSize, ft.MaxSize)
		}
	}
	return nil
}

// FileType looks up a file type config by id.
func (c *Config) FileType(id string) *FileTypeConfig {
	for i := range c.FileTypes {
		if c.FileTypes[i].ID == id {
			return &c.FileTypes[i]
		}
	}
	return nil
}

// IsConfigError reports whether err is a startup configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return stderrors.As(err, &ce)
}
