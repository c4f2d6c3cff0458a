package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the transferd service. Empty
// KafkaBrokers, PostgresDSN, WebhookURL, SMTPHost, S3Bucket, and StoreDir
// disable the corresponding integration.
type Config struct {
	LogLevel    string
	HTTPPort    string
	MetricsAddr string

	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	FilesDir string
	PartsDir string

	StoreDir string
	S3Bucket string
	S3Prefix string

	WebhookURL   string
	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPTo       string
	SMTPUsername string
	SMTPPassword string

	RequireUnmetered bool

	PauseTimeout   time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	PartsMaxAge    time.Duration
	MaintainEvery  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		MetricsAddr:      v.GetString("metrics_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		FilesDir:         v.GetString("files_dir"),
		PartsDir:         v.GetString("parts_dir"),
		StoreDir:         v.GetString("store_dir"),
		S3Bucket:         v.GetString("s3_bucket"),
		S3Prefix:         v.GetString("s3_prefix"),
		WebhookURL:       v.GetString("webhook_url"),
		SMTPHost:         v.GetString("smtp_host"),
		SMTPPort:         v.GetInt("smtp_port"),
		SMTPFrom:         v.GetString("smtp_from"),
		SMTPTo:           v.GetString("smtp_to"),
		SMTPUsername:     v.GetString("smtp_username"),
		SMTPPassword:     v.GetString("smtp_password"),
		RequireUnmetered: v.GetBool("require_unmetered"),
		PauseTimeout:     v.GetDuration("pause_timeout"),
		RetryBaseDelay:   v.GetDuration("retry_base_delay"),
		RetryMaxDelay:    v.GetDuration("retry_max_delay"),
		PartsMaxAge:      v.GetDuration("parts_max_age"),
		MaintainEvery:    v.GetString("maintain_every"),
	}
}
