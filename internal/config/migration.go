package config

// migrateConfig upgrades an older on-disk configuration to the current
// schema version in place. Unknown future versions are left for Validate to
// reject.
func migrateConfig(cfg *Config) {
	// v1 -> v2: dedup and tagging knobs moved under [sessions] and gained
	// defaults. Files written by v1 simply lack them.
	if cfg.Version == 1 {
		d := DefaultConfig().Sessions
		if cfg.Sessions.DedupWindowMs == 0 {
			cfg.Sessions.DedupWindowMs = d.DedupWindowMs
		}
		if cfg.Sessions.MinFilesForDedup == 0 {
			cfg.Sessions.MinFilesForDedup = d.MinFilesForDedup
		}
		if cfg.Sessions.DedupCacheSize == 0 {
			cfg.Sessions.DedupCacheSize = d.DedupCacheSize
		}
		if cfg.Sessions.LongSessionMs == 0 {
			cfg.Sessions.LongSessionMs = d.LongSessionMs
		}
		if cfg.Sessions.ShortSessionMs == 0 {
			cfg.Sessions.ShortSessionMs = d.ShortSessionMs
		}
		if cfg.Sessions.LargeEditLines == 0 {
			cfg.Sessions.LargeEditLines = d.LargeEditLines
		}
		if cfg.Sessions.MultiFileCount == 0 {
			cfg.Sessions.MultiFileCount = d.MultiFileCount
		}
		cfg.Version = 2
	}
}
