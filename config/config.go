package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Face      FaceConfig
	Client    ClientConfig
	Detection DetectionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	StaleSessionHours  int    // an active session with no record for this long is restarted on legacy start
	FrequencyTTL       time.Duration
	DedupWindow        time.Duration // dual-generation emits within this window collapse into one action
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is; "memory" selects the in-process store
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	FacesBucket          string
	ReportsBucket        string
	PresignExpireMinutes int
}

// FaceConfig points at the face-recognition service.
type FaceConfig struct {
	URL        string
	Threshold  float64
	TimeoutSec int
}

// ClientConfig holds realtime client settings used by the attendee CLI.
type ClientConfig struct {
	ServerURL         string // REST base, e.g. http://localhost:8080
	WSURL             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	FetchTimeout      time.Duration
}

// DetectionConfig holds audio device settings for the attendee CLI.
type DetectionConfig struct {
	SampleRate     int
	CaptureCommand string // e.g. arecord; empty reads PCM from stdin
	PlayCommand    string // e.g. aplay; empty writes PCM to stdout
	Threshold      float64
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// InMemory reports whether the in-process store was requested instead of PostgreSQL.
func (c DatabaseConfig) InMemory() bool {
	return strings.EqualFold(c.URL, "memory")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	threshold, err := getEnvFloat("FACE_MATCH_THRESHOLD", 0.6)
	if err != nil {
		return nil, err
	}
	detectThreshold, err := getEnvFloat("DETECTION_THRESHOLD", 120)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"),
			StaleSessionHours:  getEnvInt("STALE_SESSION_HOURS", 2),
			FrequencyTTL:       time.Duration(getEnvInt("FREQUENCY_TTL_SEC", 180)) * time.Second,
			DedupWindow:        time.Duration(getEnvInt("DEDUP_WINDOW_MS", 2000)) * time.Millisecond,
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/attendance?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "attendance"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "ap-south-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			FacesBucket:          getEnv("AWS_S3_FACES_BUCKET", "attendance-faces"),
			ReportsBucket:        getEnv("AWS_S3_REPORTS_BUCKET", "attendance-reports"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Face: FaceConfig{
			URL:        getEnv("FACE_SERVICE_URL", "http://localhost:5000"),
			Threshold:  threshold,
			TimeoutSec: getEnvInt("FACE_SERVICE_TIMEOUT_SEC", 15),
		},
		Client: ClientConfig{
			ServerURL:         getEnv("ATTENDANCE_SERVER_URL", "http://localhost:8080"),
			WSURL:             getEnv("ATTENDANCE_WS_URL", "ws://localhost:8080/ws"),
			ReconnectAttempts: getEnvInt("ATTENDANCE_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    time.Duration(getEnvInt("ATTENDANCE_RECONNECT_DELAY_MS", 1000)) * time.Millisecond,
			FetchTimeout:      time.Duration(getEnvInt("ATTENDANCE_FETCH_TIMEOUT_SEC", 10)) * time.Second,
		},
		Detection: DetectionConfig{
			SampleRate:     getEnvInt("AUDIO_SAMPLE_RATE", 44100),
			CaptureCommand: getEnv("AUDIO_CAPTURE_COMMAND", ""),
			PlayCommand:    getEnv("AUDIO_PLAY_COMMAND", ""),
			Threshold:      detectThreshold,
		},
	}
	if cfg.Face.Threshold <= 0 || cfg.Face.Threshold > 1 {
		return nil, fmt.Errorf("FACE_MATCH_THRESHOLD must be in (0, 1], got %v", cfg.Face.Threshold)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Origins returns the CORS origins as a list.
func (c ServerConfig) Origins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
