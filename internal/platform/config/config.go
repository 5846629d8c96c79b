package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	APIPort string
	JWTKey  []byte
	JWTExp  time.Duration

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string
	DBConnStr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatchmentQueueName string

	// Admission limits for bulk CSV uploads. MaxUploadBytes is the 10MB
	// envelope bound; the stricter 2MB variant from earlier deployments was
	// dropped on purpose.
	MaxUploadBytes int64
	MaxCSVRows     int

	GeoAPIBaseURL string
	GeoAPIKey     string
	GeoAPITimeout time.Duration

	// Bounded fan-out width for row processing within one job.
	WorkerPoolSize int

	SSEHeartbeat  time.Duration
	NotifyChannel string

	// Optional completion callback.
	WebhookURL    string
	PublicBaseURL string
}

var AppConfig *Config

func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		JWTKey:             []byte(getEnv("JWT_SECRET", "defaultsecret")),
		JWTExp:             time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "user"),
		DBPassword:         getEnv("DB_PASSWORD", "password"),
		DBName:             getEnv("DB_NAME", "catchment_db"),
		DBSslMode:          getEnv("DB_SSLMODE", "disable"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvAsInt("REDIS_DB", 0),
		CatchmentQueueName: getEnv("CATCHMENT_QUEUE_NAME", "catchment_jobs_queue"),
		MaxUploadBytes:     int64(getEnvAsInt("MAX_UPLOAD_MB", 10)) * int64(datasize.MB),
		MaxCSVRows:         getEnvAsInt("MAX_CSV_ROWS", 1000),
		GeoAPIBaseURL:      getEnv("GEO_API_BASE_URL", "https://api.leptonmaps.com"),
		GeoAPIKey:          getEnv("GEO_API_KEY", ""),
		GeoAPITimeout:      time.Duration(getEnvAsInt("GEO_API_TIMEOUT_SECONDS", 30)) * time.Second,
		WorkerPoolSize:     getEnvAsInt("WORKER_POOL_SIZE", 8),
		SSEHeartbeat:       time.Duration(getEnvAsInt("SSE_HEARTBEAT_SECONDS", 15)) * time.Second,
		NotifyChannel:      getEnv("NOTIFY_CHANNEL", "csv_status_change"),
		WebhookURL:         getEnv("WEBHOOK_URL", ""),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
	}

	AppConfig.DBConnStr = "host=" + AppConfig.DBHost +
		" port=" + AppConfig.DBPort +
		" user=" + AppConfig.DBUser +
		" password=" + AppConfig.DBPassword +
		" dbname=" + AppConfig.DBName +
		" sslmode=" + AppConfig.DBSslMode
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
