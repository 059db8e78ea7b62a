package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port            string
	DatabaseDSN     string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	KafkaBrokers    string
	TopicPrefix     string
	JWTSecret       string
	Env             string
	TokenTTLMinutes int
	CacheSize       int
	HistoryLimit    int
	SeedUsers       string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(getenv(key, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Load 从环境变量加载配置，缺失项使用开发默认值。
func Load() Config {
	return Config{
		Port:            getenv("APP_PORT", "8080"),
		DatabaseDSN:     getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatapp port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getenv("REDIS_PASSWORD", ""),
		RedisDB:         getenvInt("REDIS_DB", 0),
		KafkaBrokers:    getenv("KAFKA_BROKERS", "localhost:9092"),
		TopicPrefix:     getenv("TOPIC_PREFIX", "chat-room."),
		JWTSecret:       getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:             getenv("APP_ENV", "dev"),
		TokenTTLMinutes: getenvInt("TOKEN_TTL_MINUTES", 60),
		CacheSize:       getenvInt("CACHE_SIZE", 50),
		HistoryLimit:    getenvInt("HISTORY_LIMIT", 20),
		SeedUsers:       getenv("SEED_USERS", ""),
	}
}

// Validate 校验配置；非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn is required")
	}
	if cfg.KafkaBrokers == "" {
		return errors.New("kafka brokers are required")
	}
	if cfg.TopicPrefix == "" {
		return errors.New("topic prefix is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}
