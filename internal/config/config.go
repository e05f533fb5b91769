package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env             string        `mapstructure:"ENV"`
	Port            string        `mapstructure:"PORT"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	AdminKey        string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed     string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	MaxUploadSizeMB int64         `mapstructure:"MAX_UPLOAD_MB"`

	ArrivalThresholdMeters float64 `mapstructure:"ARRIVAL_THRESHOLD_METERS"`
	RankingBucketKm        float64 `mapstructure:"RANKING_BUCKET_KM"`

	RedisURL     string `mapstructure:"REDIS_URL"`
	EventsStream string `mapstructure:"EVENTS_STREAM"`
	EventsMaxLen int64  `mapstructure:"EVENTS_MAX_LEN"`

	MinIOEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucket    string `mapstructure:"MINIO_BUCKET"`
	MinIOUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	GeocoderURL       string `mapstructure:"GEOCODER_URL"`
	GeocoderUserAgent string `mapstructure:"GEOCODER_USER_AGENT"`
	CountryDefault    string `mapstructure:"COUNTRY_DEFAULT"`

	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	PollFailureThreshold int           `mapstructure:"POLL_FAILURE_THRESHOLD"`
}

func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile reads the given env file if present; environment variables win.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ADMIN_KEY", "")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("MAX_UPLOAD_MB", 20)
	v.SetDefault("ARRIVAL_THRESHOLD_METERS", 100)
	v.SetDefault("RANKING_BUCKET_KM", 0.5)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("EVENTS_STREAM", "tickets.events")
	v.SetDefault("EVENTS_MAX_LEN", 100000)
	v.SetDefault("MINIO_ENDPOINT", "")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "proof-of-work")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("GEOCODER_URL", "")
	v.SetDefault("GEOCODER_USER_AGENT", "atm-fieldops")
	v.SetDefault("COUNTRY_DEFAULT", "")
	v.SetDefault("POLL_INTERVAL", "30s")
	v.SetDefault("POLL_FAILURE_THRESHOLD", 3)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
