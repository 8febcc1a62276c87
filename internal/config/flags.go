package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/accountpool/internal/flagx"
)

// ValueFlags lists every flag parseFlags consumes together with its value,
// plus the config file flags. Command dispatch uses it to find positional
// words.
var ValueFlags = []string{
	"-c", "-config", "--config",
	"-f", "-lock-timeout", "-size", "-prefix", "-secret", "-secret-policy",
	"-email-domain", "-grow-by", "-wait", "-retries", "-interval", "-backoff",
	"-max-interval", "-stuck-age", "-audit-driver", "-d", "-b", "-g", "-e", "-u", "-p", "-backup-passphrase", "-log-level",
}

// parseFlags overlays cfg with the flags it recognises in args. Unknown
// arguments are filtered out first with flagx.FilterArgs so subcommand words
// and switches do not disturb parsing.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, ValueFlags[3:])

	fs := flag.NewFlagSet("poolctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.StorePath, "f", cfg.StorePath, "pool file path")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "lock acquisition timeout")
	fs.IntVar(&cfg.PoolSize, "size", cfg.PoolSize, "pool size for a new pool")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "account name prefix")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "password for generated accounts")
	fs.StringVar(&cfg.SecretPolicy, "secret-policy", cfg.SecretPolicy, "fixed or random")
	fs.StringVar(&cfg.EmailDomain, "email-domain", cfg.EmailDomain, "e-mail domain of generated accounts")
	fs.IntVar(&cfg.GrowBy, "grow-by", cfg.GrowBy, "records added by auto-grow")
	fs.DurationVar(&cfg.WaitTimeout, "wait", cfg.WaitTimeout, "total checkout wait")
	fs.IntVar(&cfg.MaxRetries, "retries", cfg.MaxRetries, "checkout retries")
	fs.DurationVar(&cfg.RetryInterval, "interval", cfg.RetryInterval, "delay between retries")
	fs.StringVar(&cfg.Backoff, "backoff", cfg.Backoff, "constant or exponential")
	fs.DurationVar(&cfg.MaxInterval, "max-interval", cfg.MaxInterval, "cap on one exponential delay")
	fs.DurationVar(&cfg.StuckAge, "stuck-age", cfg.StuckAge, "unlock-stuck threshold")
	fs.StringVar(&cfg.AuditDriver, "audit-driver", cfg.AuditDriver, "sqlite or postgres")
	fs.StringVar(&cfg.AuditDSN, "d", cfg.AuditDSN, "audit DSN")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3BaseEndpoint, "e", cfg.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&cfg.S3AccessKey, "u", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "p", cfg.S3SecretKey, "S3 secret key")
	fs.StringVar(&cfg.BackupPassphrase, "backup-passphrase", cfg.BackupPassphrase, "passphrase sealing snapshots")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	return nil
}
