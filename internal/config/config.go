package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Media     MediaConfig
	Process   ProcessConfig
	Upload    UploadConfig
	RateLimit RateLimitConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MediaConfig struct {
	Dir       string
	Retention int // seconds to keep terminal jobs in the registry; 0 = forever
}

type ProcessConfig struct {
	FFmpegBin   string
	DemucsBin   string
	Mock        bool
	MaxDuration int // seconds; 0 disables the processing watchdog
	Concurrency int
	MaxActive   int // max non-terminal jobs in the registry; 0 = unlimited
}

type UploadConfig struct {
	MaxSizeMB int
}

type RateLimitConfig struct {
	IsolatePerHour int
}

type StorageConfig struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("STORAGE_ACCOUNT_ID")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("media.dir", "MEDIA_DIR")
	_ = viper.BindEnv("media.retention", "MEDIA_RETENTION")
	_ = viper.BindEnv("process.ffmpeg_bin", "FFMPEG_BIN")
	_ = viper.BindEnv("process.demucs_bin", "DEMUCS_BIN")
	_ = viper.BindEnv("process.mock", "PROCESS_MOCK")
	_ = viper.BindEnv("process.max_duration", "PROCESS_MAX_DURATION")
	_ = viper.BindEnv("process.concurrency", "PROCESS_CONCURRENCY")
	_ = viper.BindEnv("process.max_active", "PROCESS_MAX_ACTIVE")
	_ = viper.BindEnv("upload.max_size_mb", "UPLOAD_MAX_SIZE_MB")
	_ = viper.BindEnv("ratelimit.isolate_per_hour", "RATELIMIT_ISOLATE_PER_HOUR")
	_ = viper.BindEnv("storage.account_id", "STORAGE_ACCOUNT_ID")
	_ = viper.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket_name", "STORAGE_BUCKET_NAME")
	_ = viper.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("media.dir", "./media")
	viper.SetDefault("media.retention", 0)
	viper.SetDefault("process.ffmpeg_bin", "ffmpeg")
	viper.SetDefault("process.demucs_bin", "demucs")
	viper.SetDefault("process.mock", false)
	viper.SetDefault("process.max_duration", 0)
	viper.SetDefault("process.concurrency", 2)
	viper.SetDefault("process.max_active", 0)
	viper.SetDefault("upload.max_size_mb", 200)
	viper.SetDefault("ratelimit.isolate_per_hour", 20)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Media: MediaConfig{
			Dir:       viper.GetString("media.dir"),
			Retention: viper.GetInt("media.retention"),
		},
		Process: ProcessConfig{
			FFmpegBin:   viper.GetString("process.ffmpeg_bin"),
			DemucsBin:   viper.GetString("process.demucs_bin"),
			Mock:        viper.GetBool("process.mock"),
			MaxDuration: viper.GetInt("process.max_duration"),
			Concurrency: viper.GetInt("process.concurrency"),
			MaxActive:   viper.GetInt("process.max_active"),
		},
		Upload: UploadConfig{
			MaxSizeMB: viper.GetInt("upload.max_size_mb"),
		},
		RateLimit: RateLimitConfig{
			IsolatePerHour: viper.GetInt("ratelimit.isolate_per_hour"),
		},
		Storage: StorageConfig{
			AccountID:       viper.GetString("storage.account_id"),
			AccessKeyID:     viper.GetString("storage.access_key_id"),
			SecretAccessKey: viper.GetString("storage.secret_access_key"),
			BucketName:      viper.GetString("storage.bucket_name"),
			PublicURL:       viper.GetString("storage.public_url"),
		},
	}

	return cfg, nil
}
