// Package config loads server settings from MCHCARE_* environment
// variables and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/blobstore"
)

const envPrefix = "MCHCARE"

const (
	DumpToolNative  = "native"
	DumpToolSQLite3 = "sqlite3"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	DBPath    string `mapstructure:"DB_PATH"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	BaseURL   string `mapstructure:"BASE_URL"`
	// AllowedOrigins are host patterns accepted on websocket upgrades.
	AllowedOrigins     []string `mapstructure:"ALLOWED_ORIGINS"`
	RateLimitPerMinute int      `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	StorageDriver      string `mapstructure:"STORAGE_DRIVER"`
	S3Endpoint         string `mapstructure:"S3_ENDPOINT"`
	S3Bucket           string `mapstructure:"S3_BUCKET"`
	S3Region           string `mapstructure:"S3_REGION"`
	S3AccessKey        string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey        string `mapstructure:"S3_SECRET_KEY"`
	GCSBucket          string `mapstructure:"GCS_BUCKET"`
	GCSCredentialsFile string `mapstructure:"GCS_CREDENTIALS_FILE"`
	LocalStorageDir    string `mapstructure:"LOCAL_STORAGE_DIR"`

	BackupPassphrase    string        `mapstructure:"BACKUP_PASSPHRASE"`
	BackupCompress      bool          `mapstructure:"BACKUP_COMPRESS"`
	BackupSchedule      string        `mapstructure:"BACKUP_SCHEDULE"`
	BackupRetentionDays int           `mapstructure:"BACKUP_RETENTION_DAYS"`
	BackupTempDir       string        `mapstructure:"BACKUP_TEMP_DIR"`
	DumpTool            string        `mapstructure:"DUMP_TOOL"`
	SQLite3Path         string        `mapstructure:"SQLITE3_PATH"`
	UploadMaxRetries    int           `mapstructure:"UPLOAD_MAX_RETRIES"`
	UploadRetryDelay    time.Duration `mapstructure:"UPLOAD_RETRY_DELAY"`
	CacheTTL            time.Duration `mapstructure:"CACHE_TTL"`

	VAPIDPublicKey      string `mapstructure:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey     string `mapstructure:"VAPID_PRIVATE_KEY"`
	VAPIDSubscriber     string `mapstructure:"VAPID_SUBSCRIBER"`
	PostmarkServerToken string `mapstructure:"POSTMARK_SERVER_TOKEN"`
	PostmarkFromEmail   string `mapstructure:"POSTMARK_FROM_EMAIL"`
	AlertEmail          string `mapstructure:"ALERT_EMAIL"`
}

var defaults = map[string]any{
	"PORT":                  "8080",
	"DB_PATH":               "mchcare.db",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "text",
	"BASE_URL":              "http://localhost:8080",
	"ALLOWED_ORIGINS":       "",
	"RATE_LIMIT_PER_MINUTE": 120,
	"STORAGE_DRIVER":        blobstore.DriverLocal,
	"S3_ENDPOINT":           "",
	"S3_BUCKET":             "",
	"S3_REGION":             "us-east-1",
	"S3_ACCESS_KEY":         "",
	"S3_SECRET_KEY":         "",
	"GCS_BUCKET":            "",
	"GCS_CREDENTIALS_FILE":  "",
	"LOCAL_STORAGE_DIR":     "backups",
	"BACKUP_PASSPHRASE":     "",
	"BACKUP_COMPRESS":       true,
	"BACKUP_SCHEDULE":       "",
	"BACKUP_RETENTION_DAYS": 30,
	"BACKUP_TEMP_DIR":       "",
	"DUMP_TOOL":             DumpToolNative,
	"SQLITE3_PATH":          "sqlite3",
	"UPLOAD_MAX_RETRIES":    3,
	"UPLOAD_RETRY_DELAY":    "500ms",
	"CACHE_TTL":             "5m",
	"VAPID_PUBLIC_KEY":      "",
	"VAPID_PRIVATE_KEY":     "",
	"VAPID_SUBSCRIBER":      "mailto:admin@localhost",
	"POSTMARK_SERVER_TOKEN": "",
	"POSTMARK_FROM_EMAIL":   "",
	"ALERT_EMAIL":           "",
}

// Load reads configuration from the environment. envFile is optional and
// uses unprefixed keys (PORT=9090); a missing file is ignored. MCHCARE_*
// environment variables take precedence over it.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	for key, def := range defaults {
		v.SetDefault(key, def)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if envFile != "" && fileExists(envFile) {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.DumpTool = strings.ToLower(strings.TrimSpace(cfg.DumpTool))

	return cfg, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case blobstore.DriverS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER is %q", c.StorageDriver)
		}
	case blobstore.DriverGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_DRIVER is %q", c.StorageDriver)
		}
	case blobstore.DriverLocal:
		if c.LocalStorageDir == "" {
			return fmt.Errorf("LOCAL_STORAGE_DIR is required when STORAGE_DRIVER is %q", c.StorageDriver)
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be \"s3\", \"gcs\", or \"local\", got %q", c.StorageDriver)
	}

	if c.DumpTool != DumpToolNative && c.DumpTool != DumpToolSQLite3 {
		return fmt.Errorf("DUMP_TOOL must be %q or %q, got %q", DumpToolNative, DumpToolSQLite3, c.DumpTool)
	}
	if c.BackupRetentionDays < 0 {
		return fmt.Errorf("BACKUP_RETENTION_DAYS must not be negative, got %d", c.BackupRetentionDays)
	}
	if c.UploadMaxRetries < 0 {
		return fmt.Errorf("UPLOAD_MAX_RETRIES must not be negative, got %d", c.UploadMaxRetries)
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.AlertEmail != "" && (c.PostmarkServerToken == "" || c.PostmarkFromEmail == "") {
		return fmt.Errorf("ALERT_EMAIL requires POSTMARK_SERVER_TOKEN and POSTMARK_FROM_EMAIL")
	}
	return nil
}

// Storage returns the object storage settings.
func (c *Config) Storage() blobstore.Config {
	return blobstore.Config{
		Driver: c.StorageDriver,
		S3: blobstore.S3Config{
			Endpoint:  c.S3Endpoint,
			Bucket:    c.S3Bucket,
			Region:    c.S3Region,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
		},
		GCS: blobstore.GCSConfig{
			Bucket:          c.GCSBucket,
			CredentialsFile: c.GCSCredentialsFile,
		},
		LocalDir: c.LocalStorageDir,
	}
}

// Backup returns the backup manager settings.
func (c *Config) Backup() backup.Config {
	return backup.Config{
		TempDir:    c.BackupTempDir,
		Passphrase: c.BackupPassphrase,
		Compress:   c.BackupCompress,
		MaxRetries: c.UploadMaxRetries,
		RetryDelay: c.UploadRetryDelay,
	}
}
