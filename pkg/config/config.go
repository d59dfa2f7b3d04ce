package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	AppEnv       string
	IsProduction bool

	JWTSecret string
	Port      string

	// database: "sqlite" (default) or "mysql"
	DBDriver string
	DBDSN    string

	// upstream Ollama server
	OllamaBaseURL        string
	OllamaTimeoutSeconds int

	// runtime tunables
	RateLimitWindowSeconds int
	RateLimitCapacity      int
	DuplicateWindowSeconds int
	ContextWindowMessages  int
	ModelCacheTTLSeconds   int
	MaxUploadMB            int
)

func init() {
	// .env is a convenience for local runs; absence is not an error.
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file loaded: %v", err)
	}

	AppEnv = os.Getenv("APP_ENV")
	if AppEnv == "" {
		AppEnv = "development"
	}
	IsProduction = AppEnv == "production"

	JWTSecret = os.Getenv("JWT_SECRET_KEY")
	Port = os.Getenv("PORT")
	if Port == "" {
		Port = "8000"
	}

	DBDriver = os.Getenv("DB_DRIVER")
	if DBDriver == "" {
		DBDriver = "sqlite"
	}
	DBDSN = os.Getenv("DB_DSN")
	if DBDSN == "" {
		DBDSN = "app.db"
	}

	OllamaBaseURL = os.Getenv("OLLAMA_BASE_URL")
	if OllamaBaseURL == "" {
		OllamaBaseURL = "http://localhost:11434"
	}
	OllamaTimeoutSeconds = atoiOr(os.Getenv("OLLAMA_TIMEOUT_SECONDS"), 180)

	RateLimitWindowSeconds = atoiOr(os.Getenv("RATE_LIMIT_WINDOW_SECONDS"), 10)
	RateLimitCapacity = atoiOr(os.Getenv("RATE_LIMIT_CAPACITY"), 5)
	DuplicateWindowSeconds = atoiOr(os.Getenv("DUPLICATE_WINDOW_SECONDS"), 45)
	ContextWindowMessages = atoiOr(os.Getenv("CONTEXT_WINDOW_MESSAGES"), 10)
	ModelCacheTTLSeconds = atoiOr(os.Getenv("MODEL_CACHE_TTL_SECONDS"), 60)
	MaxUploadMB = atoiOr(os.Getenv("MAX_UPLOAD_MB"), 10)

	if IsProduction && JWTSecret == "" {
		log.Fatal("JWT_SECRET_KEY must be set in production")
	}

	log.Printf("[config] AppEnv=%s Port=%s DBDriver=%s", AppEnv, Port, DBDriver)
	log.Printf("[config] OllamaBaseURL=%s timeout=%ds contextWindow=%d",
		OllamaBaseURL, OllamaTimeoutSeconds, ContextWindowMessages)
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return def
}
