// Package config loads runtime configuration for the account pool.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-f string          pool file path
//	-lock-timeout dur  lock acquisition bound (e.g. "10s")
//	-size int          pool size recorded in a new pool
//	-prefix string     account name prefix
//	-secret string     password for generated accounts (fixed policy)
//	-secret-policy s   "fixed" or "random"
//	-email-domain s    domain of generated e-mail addresses
//	-grow-by int       records added by one auto-grow
//	-wait dur          total checkout wait
//	-retries int       checkout retries
//	-interval dur      base delay between retries
//	-backoff string    "constant" or "exponential"
//	-max-interval dur  cap on one exponential delay (0 = uncapped)
//	-stuck-age dur     default unlock-stuck threshold
//	-audit-driver s    "sqlite" or "postgres"
//	-d string          audit DSN (sqlite path or postgres URL)
//	-b string          S3 bucket for snapshots
//	-g string          S3 region
//	-e string          S3 base endpoint (e.g. MinIO)
//	-u string          S3 access key
//	-p string          S3 secret key
//	-backup-passphrase seals snapshots (and opens them on restore)
//	-log-level string  debug, info, warn or error
//
// # JSON schema
//
// Durations use timex.Duration, so they can be strings like "2s" or integer
// nanoseconds. Keys that are absent or empty keep the previous value:
//
//	{
//	  "store_path": "test-data/test_account_pool.json",
//	  "lock_timeout": "10s",
//	  "account_prefix": "qatest_v3__",
//	  "auto_grow": true,
//	  "grow_by": 5,
//	  "wait_timeout": "5m",
//	  "audit_driver": "postgres",
//	  "audit_dsn": "postgres://qa@db/qa",
//	  "s3_bucket": "qa-pool-backups"
//	}
package config
