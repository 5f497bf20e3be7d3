package config

import (
	"fmt"
	"strings"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for inconsistent or dangerous values.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		add("storage.type", "unknown backend %q", c.Storage.Type)
	}
	if c.Storage.DataDir == "" {
		add("storage.data_dir", "must not be empty")
	}
	if c.Storage.BlobGraceMs < 0 {
		add("storage.blob_grace_ms", "must be >= 0")
	}
	if c.Storage.WriterLockTimeoutMs <= 0 {
		add("storage.writer_lock_timeout_ms", "must be > 0")
	}

	s := &c.Sessions
	if s.IdleMs <= 0 {
		add("sessions.idle_ms", "must be > 0")
	}
	if s.MinSessionDurationMs < 0 {
		add("sessions.min_session_duration_ms", "must be >= 0")
	}
	if s.MaxSessionDurationMs <= s.IdleMs {
		add("sessions.max_session_duration_ms", "must exceed idle_ms")
	}
	if s.FlushBatchSize <= 0 {
		add("sessions.flush_batch_size", "must be > 0")
	}
	if s.DedupCacheSize <= 0 {
		add("sessions.dedup_cache_size", "must be > 0")
	}
	if s.MinFilesForDedup < 1 {
		add("sessions.min_files_for_dedup", "must be >= 1")
	}

	if c.Rollback.JournalRetentionMs <= 0 {
		add("rollback.journal_retention_ms", "must be > 0")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		add("logging.format", "unknown format %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "unknown level %q", c.Logging.Level)
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		add("logging.file_path", "required when output includes file")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
