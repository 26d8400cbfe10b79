package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	AttachmentDir       string
	ThreadLookbackDays  int
	PollIntervalSeconds int
	MailgunSigningKey   string
	WebhookBasicUser    string
	WebhookBasicPass    string
	OpenAIAPIKey        string
	OpenAIModel         string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("RELAYMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("RELAYMAIL_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("RELAYMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("RELAYMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("RELAYMAIL_DB_USER", "relaymail"),
		DBPassword:          os.Getenv("RELAYMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("RELAYMAIL_DB_NAME", "relaymail"),
		DBSSLMode:           getEnvOrDefault("RELAYMAIL_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		AttachmentDir:       getEnvOrDefault("RELAYMAIL_ATTACHMENT_DIR", "./attachments"),
		ThreadLookbackDays:  getEnvIntOrDefault("RELAYMAIL_THREAD_LOOKBACK_DAYS", 30),
		PollIntervalSeconds: getEnvIntOrDefault("RELAYMAIL_POLL_INTERVAL_SECONDS", 120),
		MailgunSigningKey:   os.Getenv("RELAYMAIL_MAILGUN_SIGNING_KEY"),
		WebhookBasicUser:    os.Getenv("RELAYMAIL_WEBHOOK_BASIC_USER"),
		WebhookBasicPass:    os.Getenv("RELAYMAIL_WEBHOOK_BASIC_PASS"),
		OpenAIAPIKey:        os.Getenv("RELAYMAIL_OPENAI_API_KEY"),
		OpenAIModel:         getEnvOrDefault("RELAYMAIL_OPENAI_MODEL", "gpt-4o-mini"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("RELAYMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("RELAYMAIL_DB_PASSWORD is required")
	}

	if c.ThreadLookbackDays <= 0 {
		return fmt.Errorf("RELAYMAIL_THREAD_LOOKBACK_DAYS must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
