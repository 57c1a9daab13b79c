package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	WebRTC     WebRTCConfig
	Signaling  SignalingConfig
	Zego       ZegoConfig
	AWS        AWSConfig
	Fallback   FallbackConfig
	Engagement EngagementConfig
	Chat       ChatConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
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

// JWTConfig holds JWT signing and validation settings for signaling auth.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs.
type WebRTCConfig struct {
	ICEUrls []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
}

// SignalingConfig holds signaling channel settings for the embedded core.
type SignalingConfig struct {
	URL                  string // ws endpoint, e.g. ws://localhost:8080/ws
	MaxReconnectAttempts int
	ReconnectBaseMillis  int
}

// ZegoConfig holds managed-room-provider credentials. When AppID is set,
// token issuance returns a provider token alongside the self-hosted JWT.
type ZegoConfig struct {
	AppID        uint32
	ServerSecret string // must be 32 characters
}

// AWSConfig holds AWS credentials and the transcript archive bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ArchiveBucket        string
	PresignExpireMinutes int
}

// FallbackConfig holds placeholder-track rendering settings.
type FallbackConfig struct {
	Width  int
	Height int
	FPS    int
}

// EngagementConfig controls the engagement broadcaster.
type EngagementConfig struct {
	TickSeconds int
	// Simulate enables the demo-only randomized engagement source. It
	// never touches persisted counters.
	Simulate bool
}

// ChatConfig controls the comment relay poller.
type ChatConfig struct {
	PollSeconds int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	zegoAppID, _ := strconv.ParseUint(getEnv("ZEGO_APP_ID", "0"), 10, 32)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/live?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "live"),
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
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Signaling: SignalingConfig{
			URL:                  getEnv("SIGNALING_URL", "ws://localhost:8080/ws"),
			MaxReconnectAttempts: getEnvInt("SIGNALING_MAX_RECONNECTS", 5),
			ReconnectBaseMillis:  getEnvInt("SIGNALING_RECONNECT_BASE_MS", 500),
		},
		Zego: ZegoConfig{
			AppID:        uint32(zegoAppID),
			ServerSecret: getEnv("ZEGO_SERVER_SECRET", ""),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", "live-session-archives"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Fallback: FallbackConfig{
			Width:  getEnvInt("FALLBACK_WIDTH", 640),
			Height: getEnvInt("FALLBACK_HEIGHT", 360),
			FPS:    getEnvInt("FALLBACK_FPS", 30),
		},
		Engagement: EngagementConfig{
			TickSeconds: getEnvInt("ENGAGEMENT_TICK_SEC", 1),
			Simulate:    getEnv("LIVE_SIMULATE_ENGAGEMENT", "false") == "true",
		},
		Chat: ChatConfig{
			PollSeconds: getEnvInt("CHAT_POLL_SEC", 3),
		},
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
