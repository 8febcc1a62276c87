package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/backup"
	"github.com/dmitrijs2005/accountpool/internal/pool/models"
)

// Config holds runtime settings for poolctl and for test harnesses that open
// the pool through services.PoolService.
//
// Fields:
//   - StorePath / LockTimeout: pool file and how long to wait for its lock.
//   - PoolSize .. RetryInterval: pool configuration written when a pool is
//     first created; an existing pool keeps its own persisted values.
//   - Secret / SecretPolicy / EmailDomain: how generated accounts look.
//   - Backoff: "constant" or "exponential" delays between checkout attempts;
//     MaxInterval caps a single exponential delay (zero leaves it uncapped).
//   - StuckAge: default age after which unlock-stuck frees a reservation.
//   - AuditDriver / AuditDSN: journal backend; an empty DSN disables it.
//   - S3*: snapshot destination; an empty bucket disables backups.
type Config struct {
	StorePath     string
	LockTimeout   time.Duration
	PoolSize      int
	Prefix        string
	Secret        string
	SecretPolicy  string
	EmailDomain   string
	AutoGrow      bool
	GrowBy        int
	WaitTimeout   time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	Backoff       string
	MaxInterval   time.Duration
	StuckAge      time.Duration

	AuditDriver string
	AuditDSN    string

	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3AccessKey    string
	S3SecretKey    string
	// BackupPassphrase seals uploaded snapshots and opens sealed ones on
	// restore. Empty means plain JSON.
	BackupPassphrase string

	LogLevel string
}

// LoadDefaults populates c with the values the pool scripts always used.
func (c *Config) LoadDefaults() {
	p := models.DefaultPoolConfig()

	c.StorePath = "test-data/test_account_pool.json"
	c.LockTimeout = 10 * time.Second
	c.PoolSize = p.Size
	c.Prefix = p.Prefix
	c.Secret = "TestPass123!"
	c.SecretPolicy = "fixed"
	c.EmailDomain = "testmail.com"
	c.AutoGrow = p.AutoGrow
	c.GrowBy = p.GrowBy
	c.WaitTimeout = p.WaitTimeout
	c.MaxRetries = p.MaxRetries
	c.RetryInterval = p.RetryInterval
	c.Backoff = "constant"
	c.MaxInterval = 30 * time.Second
	c.StuckAge = 30 * time.Minute
	c.AuditDriver = "sqlite"
	c.AuditDSN = ""
	c.S3Region = "us-east-1"
	c.LogLevel = "info"
}

// LoadConfig builds a Config from defaults, then the JSON file named by -c
// (if any), then command-line flags. Later sources win.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values no component can act on.
func (c *Config) Validate() error {
	switch {
	case c.StorePath == "":
		return fmt.Errorf("store path is empty")
	case c.SecretPolicy != "fixed" && c.SecretPolicy != "random":
		return fmt.Errorf("unknown secret policy %q", c.SecretPolicy)
	case c.Backoff != "constant" && c.Backoff != "exponential":
		return fmt.Errorf("unknown backoff %q", c.Backoff)
	case c.AuditDriver != "sqlite" && c.AuditDriver != "postgres":
		return fmt.Errorf("unknown audit driver %q", c.AuditDriver)
	case c.GrowBy < 0 || c.MaxRetries < 0 || c.PoolSize < 0:
		return fmt.Errorf("counts must not be negative")
	case c.MaxInterval < 0:
		return fmt.Errorf("max interval must not be negative")
	}
	return nil
}

// PoolConfig is the configuration persisted into a newly created pool.
func (c *Config) PoolConfig() models.PoolConfig {
	return models.PoolConfig{
		Size:          c.PoolSize,
		Prefix:        c.Prefix,
		AutoGrow:      c.AutoGrow,
		GrowBy:        c.GrowBy,
		WaitTimeout:   c.WaitTimeout,
		MaxRetries:    c.MaxRetries,
		RetryInterval: c.RetryInterval,
	}
}

func (c *Config) BackupSettings() backup.Settings {
	return backup.Settings{
		Bucket:       c.S3Bucket,
		Region:       c.S3Region,
		BaseEndpoint: c.S3BaseEndpoint,
		AccessKey:    c.S3AccessKey,
		SecretKey:    c.S3SecretKey,
		Passphrase:   c.BackupPassphrase,
	}
}
