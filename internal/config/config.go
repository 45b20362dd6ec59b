package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// HTTP server
	HTTPAddr           string   `env:"HTTP_ADDR" validate:"required"`
	TempDir            string   `env:"TEMP_DIR" validate:"required"`
	MaxUploadMB        int      `env:"MAX_UPLOAD_MB" validate:"min=1,max=512"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" validate:"min=1"`

	// Analysis
	MaxConcurrentAnalyses int `env:"MAX_CONCURRENT_ANALYSES" validate:"min=1"`

	// Voice activity detection
	VADBackend string `env:"VAD_BACKEND" validate:"oneof=energy webrtc"`
	VADMode    int    `env:"VAD_MODE" validate:"min=0,max=3"`

	// Speaker embedding
	SpeakerBackend   string `env:"SPEAKER_BACKEND" validate:"oneof=vosk fbank"`
	VoskModelPath    string `env:"VOSK_MODEL_PATH" validate:"required_if=SpeakerBackend vosk"`
	VoskSpkModelPath string `env:"VOSK_SPK_MODEL_PATH" validate:"required_if=SpeakerBackend vosk"`

	// Face embedding
	FaceBackend   string `env:"FACE_BACKEND" validate:"oneof=dlib remote none"`
	FaceModelsDir string `env:"FACE_MODELS_DIR" validate:"required_if=FaceBackend dlib"`
	FaceRemoteURL string `env:"FACE_REMOTE_URL" validate:"required_if=FaceBackend remote"`

	// Storage and sessions
	StorePath string        `env:"STORE_PATH"`
	JWTSecret string        `env:"JWT_SECRET" validate:"required"`
	JWTTTL    time.Duration `env:"JWT_TTL_MINUTES" validate:"gt=0"`

	// Matching
	VoiceMatchThreshold float64 `env:"VOICE_MATCH_THRESHOLD" validate:"gte=0,lte=1"`
	FaceMatchThreshold  float64 `env:"FACE_MATCH_THRESHOLD" validate:"gte=0,lte=1"`

	// Logging and tracing
	LogLevel        string  `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	TraceEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"omitempty,url"`
	TraceSampleRate float64 `env:"TRACE_SAMPLE_RATE" validate:"gte=0,lte=1"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	loadDotEnv()
	cfg := FromEnv()
	return cfg, cfg.Validate()
}

// LoadOffline is Load for commands that never issue session tokens: the
// JWT settings are not validated.
func LoadOffline() (*Config, error) {
	loadDotEnv()
	cfg := FromEnv()
	return cfg, cfg.check(validate.StructExcept(cfg, "JWTSecret", "JWTTTL"))
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, using environment variables only")
	}
}

// FromEnv builds a Config from the environment without validating it.
func FromEnv() *Config {
	return &Config{
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", ":5001"),
		TempDir:            getEnvOrDefault("TEMP_DIR", os.TempDir()),
		MaxUploadMB:        getIntEnvOrDefault("MAX_UPLOAD_MB", 25),
		CORSAllowedOrigins: getListEnvOrDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),

		MaxConcurrentAnalyses: getIntEnvOrDefault("MAX_CONCURRENT_ANALYSES", runtime.NumCPU()),

		VADBackend: strings.ToLower(getEnvOrDefault("VAD_BACKEND", "energy")),
		VADMode:    getIntEnvOrDefault("VAD_MODE", 2),

		SpeakerBackend:   strings.ToLower(getEnvOrDefault("SPEAKER_BACKEND", "fbank")),
		VoskModelPath:    os.Getenv("VOSK_MODEL_PATH"),
		VoskSpkModelPath: os.Getenv("VOSK_SPK_MODEL_PATH"),

		FaceBackend:   strings.ToLower(getEnvOrDefault("FACE_BACKEND", "none")),
		FaceModelsDir: getEnvOrDefault("FACE_MODELS_DIR", "./models/face"),
		FaceRemoteURL: os.Getenv("FACE_REMOTE_URL"),

		StorePath: getEnvOrDefault("STORE_PATH", "./data/biometrics"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTTTL:    time.Duration(getIntEnvOrDefault("JWT_TTL_MINUTES", 60)) * time.Minute,

		VoiceMatchThreshold: getFloatEnvOrDefault("VOICE_MATCH_THRESHOLD", 0.60),
		FaceMatchThreshold:  getFloatEnvOrDefault("FACE_MATCH_THRESHOLD", 0.5),

		LogLevel:        strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		TraceEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRate: getFloatEnvOrDefault("TRACE_SAMPLE_RATE", 1.0),
	}
}

// MaxUploadBytes is the request body limit derived from MaxUploadMB.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Validate checks the struct tags and reports failures by environment
// variable name.
func (c *Config) Validate() error {
	return c.check(validate.Struct(c))
}

func (c *Config) check(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.ActualTag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getListEnvOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
