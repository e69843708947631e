package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
// Values come from the environment (optionally seeded by a .env file) with defaults.
type Config struct {
	HTTPAddr     string
	ArtifactsDir string // per-task scratch space: ArtifactsDir/<task_id>/...
	InboxDir     string
	MaxUploadMB  int64
	ChapterMode  string // "subjects" or "headings"

	// Rendering
	FFmpegPath   string
	FFprobePath  string
	FontFile     string
	VideoWidth   int
	VideoHeight  int
	VideoFPS     int
	AudioBitrate string // e.g., "192k"

	// Pipeline
	Language               string
	ImageConcurrency       int
	TranscribePollInterval time.Duration
	TranscribeMaxAttempts  int
	PromptsFile            string

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	ProgressTTL   time.Duration

	// Text generation (Mistral)
	MistralAPIKey           string
	MistralBaseURL          string
	MistralModel            string
	MistralScriptModel      string
	MistralImagePromptAgent string

	// Speech (ElevenLabs)
	ElevenAPIKey  string
	ElevenBaseURL string
	ElevenVoiceID string
	ElevenModel   string

	// Transcription (Gladia)
	GladiaAPIKey  string
	GladiaBaseURL string

	// Image generation (Gemini)
	GeminiAPIKey     string
	GeminiImageModel string

	// Object storage (R2 / S3 / MinIO)
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StorageRegion    string
	StoragePublicURL string

	// Logging
	LogLevel string
	LogFile  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("2s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	artifacts := getEnv("ARTIFACTS_DIR", "artifacts")

	return &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8000"),
		ArtifactsDir: artifacts,
		InboxDir:     getEnv("INBOX_DIR", filepath.Join(artifacts, "inbox")),
		MaxUploadMB:  int64(getEnvInt("MAX_UPLOAD_MB", 100)),
		ChapterMode:  strings.ToLower(getEnv("CHAPTER_MODE", "subjects")),

		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:  getEnv("FFPROBE_PATH", "ffprobe"),
		FontFile:     getEnv("FONT_FILE", filepath.Join("font", "Helvetica.ttf")),
		VideoWidth:   getEnvInt("VIDEO_WIDTH", 1080),
		VideoHeight:  getEnvInt("VIDEO_HEIGHT", 1920),
		VideoFPS:     getEnvInt("VIDEO_FPS", 25),
		AudioBitrate: getEnv("AUDIO_BITRATE", "192k"),

		Language:               getEnv("LANGUAGE", "fr"),
		ImageConcurrency:       getEnvInt("IMAGE_CONCURRENCY", 3),
		TranscribePollInterval: getEnvDuration("TRANSCRIBE_POLL_INTERVAL", 2*time.Second),
		TranscribeMaxAttempts:  getEnvInt("TRANSCRIBE_MAX_ATTEMPTS", 30),
		PromptsFile:            os.Getenv("PROMPTS_FILE"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // no hardcoded default for secrets
		DBName:     getEnv("DB_NAME", "flashback"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ProgressTTL:   getEnvDuration("PROGRESS_TTL", 24*time.Hour),

		MistralAPIKey:           os.Getenv("MISTRAL_API_KEY"),
		MistralBaseURL:          getEnv("MISTRAL_BASE_URL", "https://api.mistral.ai"),
		MistralModel:            getEnv("MISTRAL_MODEL", "mistral-large-latest"),
		MistralScriptModel:      getEnv("MISTRAL_SCRIPT_MODEL", "mistral-small-latest"),
		MistralImagePromptAgent: os.Getenv("MISTRAL_AGENT_IMAGE_PROMPT"),

		ElevenAPIKey:  os.Getenv("ELEVEN_API_KEY"),
		ElevenBaseURL: getEnv("ELEVEN_BASE_URL", "https://api.elevenlabs.io"),
		ElevenVoiceID: getEnv("ELEVEN_VOICE_ID", "Josh"),
		ElevenModel:   getEnv("ELEVEN_MODEL", "eleven_multilingual_v2"),

		GladiaAPIKey:  os.Getenv("GLADIA_API_KEY"),
		GladiaBaseURL: getEnv("GLADIA_BASE_URL", "https://api.gladia.io/v2/"),

		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiImageModel: getEnv("GEMINI_IMAGE_MODEL", "gemini-2.0-flash-exp"),

		StorageEndpoint:  getEnv("R2_ENDPOINT_URL", "http://127.0.0.1:9000"),
		StorageAccessKey: os.Getenv("R2_ACCESS_KEY_ID"),
		StorageSecretKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		StorageBucket:    getEnv("R2_BUCKET_NAME", "flashback"),
		StorageRegion:    getEnv("R2_REGION", "auto"),
		StoragePublicURL: os.Getenv("R2_PUBLIC_URL"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", filepath.Join("logs", "flashback.log")),
	}
}

// MaxUploadBytes is the upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// TaskDir is the exclusive scratch directory of one task.
func (c *Config) TaskDir(taskID string) string {
	return filepath.Join(c.ArtifactsDir, taskID)
}

// LogStdoutOnly reports whether file logging was disabled with LOG_FILE=.
func (c *Config) LogStdoutOnly() bool {
	return c.LogFile == "" || getEnvBool("LOG_STDOUT_ONLY", false)
}
