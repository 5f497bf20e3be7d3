// Package config handles configuration loading, validation, and management
// for rewindd.
package config

import (
	"path/filepath"
	"time"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete engine configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Workspace configuration: what to track.
	Workspace WorkspaceConfig `toml:"workspace" json:"workspace" yaml:"workspace"`

	// Sessions configuration: boundary detection and dedup.
	Sessions SessionsConfig `toml:"sessions" json:"sessions" yaml:"sessions"`

	// Storage configuration: catalog and blob store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Rollback configuration: journals and backups.
	Rollback RollbackConfig `toml:"rollback" json:"rollback" yaml:"rollback"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// WorkspaceConfig describes the tracked workspace.
type WorkspaceConfig struct {
	// Root is the workspace directory to track.
	Root string `toml:"root" json:"root" yaml:"root"`

	// IgnorePatterns are glob patterns never tracked. Empty means the
	// built-in defaults (vendor and build directories, VCS metadata).
	IgnorePatterns []string `toml:"ignore_patterns" json:"ignore_patterns" yaml:"ignore_patterns"`

	// DebounceMs is the watcher stability interval in milliseconds.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// MaxFileSize is the largest file the engine snapshots, in bytes.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`
}

// SessionsConfig holds boundary-detection and dedup knobs.
type SessionsConfig struct {
	// IdleMs is the inactivity gap that triggers idle-finalize.
	IdleMs int64 `toml:"idle_ms" json:"idle_ms" yaml:"idle_ms"`

	// MinSessionDurationMs discards zero-change sessions shorter than this.
	MinSessionDurationMs int64 `toml:"min_session_duration_ms" json:"min_session_duration_ms" yaml:"min_session_duration_ms"`

	// MaxSessionDurationMs is the hard session cap (max-duration trigger).
	MaxSessionDurationMs int64 `toml:"max_session_duration_ms" json:"max_session_duration_ms" yaml:"max_session_duration_ms"`

	// FlushBatchSize is the buffered-change count that forces a flush.
	FlushBatchSize int `toml:"flush_batch_size" json:"flush_batch_size" yaml:"flush_batch_size"`

	// FlushIntervalMs is the timer-based flush cadence.
	FlushIntervalMs int64 `toml:"flush_interval_ms" json:"flush_interval_ms" yaml:"flush_interval_ms"`

	// DedupWindowMs is how recent a matching fingerprint must be to suppress
	// a duplicate session.
	DedupWindowMs int64 `toml:"dedup_window_ms" json:"dedup_window_ms" yaml:"dedup_window_ms"`

	// MinFilesForDedup is the change-count floor below which dedup never
	// applies.
	MinFilesForDedup int `toml:"min_files_for_dedup" json:"min_files_for_dedup" yaml:"min_files_for_dedup"`

	// DedupCacheSize is the fingerprint LRU capacity.
	DedupCacheSize int `toml:"dedup_cache_size" json:"dedup_cache_size" yaml:"dedup_cache_size"`

	// LongSessionMs is the duration above which a session gets the
	// long-session tag.
	LongSessionMs int64 `toml:"long_session_ms" json:"long_session_ms" yaml:"long_session_ms"`

	// ShortSessionMs is the duration below which a session gets the
	// short-session tag.
	ShortSessionMs int64 `toml:"short_session_ms" json:"short_session_ms" yaml:"short_session_ms"`

	// LargeEditLines is the added-line total above which a session gets the
	// large-edits tag.
	LargeEditLines int `toml:"large_edit_lines" json:"large_edit_lines" yaml:"large_edit_lines"`

	// MultiFileCount is the distinct-path count above which a session gets
	// the multi-file tag.
	MultiFileCount int `toml:"multi_file_count" json:"multi_file_count" yaml:"multi_file_count"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the catalog backend: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// DataDir is the per-workspace data directory holding the catalog, the
	// blob store, and the journal area. Empty means the platform default.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// BlobGraceMs delays physical collection of zero-ref blobs.
	BlobGraceMs int64 `toml:"blob_grace_ms" json:"blob_grace_ms" yaml:"blob_grace_ms"`

	// WriterLockTimeoutMs bounds the wait for the single-writer lock.
	WriterLockTimeoutMs int64 `toml:"writer_lock_timeout_ms" json:"writer_lock_timeout_ms" yaml:"writer_lock_timeout_ms"`
}

// RollbackConfig holds rollback and recovery knobs.
type RollbackConfig struct {
	// JournalRetentionMs is the age at which committed journals are pruned.
	JournalRetentionMs int64 `toml:"journal_retention_ms" json:"journal_retention_ms" yaml:"journal_retention_ms"`

	// SweepOrphanBackups enables the startup walk that removes stray
	// .bak-<sessionId> files with no journal and no live session.
	SweepOrphanBackups bool `toml:"sweep_orphan_backups" json:"sweep_orphan_backups" yaml:"sweep_orphan_backups"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Workspace: WorkspaceConfig{
			DebounceMs:  500,
			MaxFileSize: 16 * 1024 * 1024,
		},
		Sessions: SessionsConfig{
			IdleMs:               105_000,
			MinSessionDurationMs: 5_000,
			MaxSessionDurationMs: 3_600_000,
			FlushBatchSize:       50,
			FlushIntervalMs:      5_000,
			DedupWindowMs:        300_000,
			MinFilesForDedup:     5,
			DedupCacheSize:       100,
			LongSessionMs:        30 * 60 * 1000,
			ShortSessionMs:       30_000,
			LargeEditLines:       1000,
			MultiFileCount:       5,
		},
		Storage: StorageConfig{
			Type:                "sqlite",
			DataDir:             PlatformDataDir(),
			BlobGraceMs:         86_400_000,
			WriterLockTimeoutMs: 5_000,
		},
		Rollback: RollbackConfig{
			JournalRetentionMs: 604_800_000,
			SweepOrphanBackups: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// CatalogPath returns the catalog database path under the data directory.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Storage.DataDir, "catalog.db")
}

// BlobDir returns the blob store root under the data directory.
func (c *Config) BlobDir() string {
	return filepath.Join(c.Storage.DataDir, "blobs")
}

// JournalDir returns the rollback journal area under the data directory.
func (c *Config) JournalDir() string {
	return filepath.Join(c.Storage.DataDir, ".sb_journal")
}

// StagingDir returns the rollback staging area under the data directory.
func (c *Config) StagingDir() string {
	return filepath.Join(c.Storage.DataDir, "staging")
}

// IdleTimeout returns Sessions.IdleMs as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleMs) * time.Millisecond
}

// MaxSessionDuration returns Sessions.MaxSessionDurationMs as a duration.
func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.Sessions.MaxSessionDurationMs) * time.Millisecond
}
