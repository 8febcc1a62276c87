package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		expected  *Config
		expectErr bool
	}{
		{
			name: "all flags",
			args: []string{
				"unlock-stuck", "45m", "-suspect",
				"-f", "p.json", "-lock-timeout", "2s", "-size", "30", "-prefix", "qa_",
				"-secret", "s", "-secret-policy", "random", "-email-domain", "ex.org",
				"-grow-by", "4", "-wait", "1m", "-retries", "6", "-interval=250ms",
				"-backoff", "exponential", "-max-interval", "20s", "-stuck-age", "1h", "-audit-driver", "postgres",
				"-d", "dsn", "-b", "bucket", "-g", "us-west-1", "-e", "http://endpoint",
				"-u", "user", "-p", "password", "-backup-passphrase", "pp", "-log-level", "debug",
			},
			expected: &Config{
				StorePath:        "p.json",
				LockTimeout:      2 * time.Second,
				PoolSize:         30,
				Prefix:           "qa_",
				Secret:           "s",
				SecretPolicy:     "random",
				EmailDomain:      "ex.org",
				GrowBy:           4,
				WaitTimeout:      time.Minute,
				MaxRetries:       6,
				RetryInterval:    250 * time.Millisecond,
				Backoff:          "exponential",
				MaxInterval:      20 * time.Second,
				StuckAge:         time.Hour,
				AuditDriver:      "postgres",
				AuditDSN:         "dsn",
				S3Bucket:         "bucket",
				S3Region:         "us-west-1",
				S3BaseEndpoint:   "http://endpoint",
				S3AccessKey:      "user",
				S3SecretKey:      "password",
				BackupPassphrase: "pp",
				LogLevel:         "debug",
			},
		},
		{
			name:     "unknown switches and words are ignored",
			args:     []string{"status", "-v", "-y"},
			expected: &Config{},
		},
		{
			name:      "bad duration",
			args:      []string{"-wait", "soon"},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{}
			err := parseFlags(config, tt.args)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(tt.expected, config))
		})
	}
}

func TestValueFlagsCoverConfigFile(t *testing.T) {
	assert.Equal(t, []string{"-c", "-config", "--config"}, ValueFlags[:3])
}
