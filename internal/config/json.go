package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/accountpool/internal/flagx"
	"github.com/dmitrijs2005/accountpool/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
type JsonConfig struct {
	StorePath     string         `json:"store_path"`
	LockTimeout   timex.Duration `json:"lock_timeout"`
	PoolSize      int            `json:"pool_size"`
	Prefix        string         `json:"account_prefix"`
	Secret        string         `json:"secret"`
	SecretPolicy  string         `json:"secret_policy"`
	EmailDomain   string         `json:"email_domain"`
	AutoGrow      *bool          `json:"auto_grow"`
	GrowBy        int            `json:"grow_by"`
	WaitTimeout   timex.Duration `json:"wait_timeout"`
	MaxRetries    int            `json:"max_retries"`
	RetryInterval timex.Duration `json:"retry_interval"`
	Backoff       string         `json:"backoff"`
	MaxInterval   timex.Duration `json:"max_interval"`
	StuckAge      timex.Duration `json:"stuck_age"`

	AuditDriver string `json:"audit_driver"`
	AuditDSN    string `json:"audit_dsn"`

	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`

	BackupPassphrase string `json:"backup_passphrase"`

	LogLevel string `json:"log_level"`
}

// parseJson overlays cfg with the non-empty values of the JSON file named by
// -c/-config in args. Without the flag nothing is read.
func parseJson(cfg *Config, args []string) error {
	jsonConfigFile := flagx.JsonConfigFlags(args)
	if jsonConfigFile == "" {
		return nil
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		return fmt.Errorf("read config %s: %w", jsonConfigFile, err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", jsonConfigFile, err)
	}

	setString(&cfg.StorePath, jc.StorePath)
	setDuration(&cfg.LockTimeout, jc.LockTimeout)
	setInt(&cfg.PoolSize, jc.PoolSize)
	setString(&cfg.Prefix, jc.Prefix)
	setString(&cfg.Secret, jc.Secret)
	setString(&cfg.SecretPolicy, jc.SecretPolicy)
	setString(&cfg.EmailDomain, jc.EmailDomain)
	if jc.AutoGrow != nil {
		cfg.AutoGrow = *jc.AutoGrow
	}
	setInt(&cfg.GrowBy, jc.GrowBy)
	setDuration(&cfg.WaitTimeout, jc.WaitTimeout)
	setInt(&cfg.MaxRetries, jc.MaxRetries)
	setDuration(&cfg.RetryInterval, jc.RetryInterval)
	setString(&cfg.Backoff, jc.Backoff)
	setDuration(&cfg.MaxInterval, jc.MaxInterval)
	setDuration(&cfg.StuckAge, jc.StuckAge)
	setString(&cfg.AuditDriver, jc.AuditDriver)
	setString(&cfg.AuditDSN, jc.AuditDSN)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.BackupPassphrase, jc.BackupPassphrase)
	setString(&cfg.LogLevel, jc.LogLevel)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration != 0 {
		*dst = v.Duration
	}
}
