package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"mailpulse/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

type IMAPConfig struct {
	Enabled      bool          `json:"enabled"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username"`
	Password     string        `json:"-"`
	Mailbox      string        `json:"mailbox"`
	Encryption   string        `json:"encryption"`
	PollInterval time.Duration `json:"poll_interval"`
}

type Config struct {
	Environment    string      `json:"environment"`
	ServerPort     string      `json:"server_port"`
	BaseURL        string      `json:"base_url"`
	AppURL         string      `json:"app_url"`
	JWTSecret      string      `json:"-"`
	UserEmail      string      `json:"user_email"`
	UploadDir      string      `json:"upload_dir"`
	SentryDSN      string      `json:"-"`
	CORSOrigins    []string    `json:"cors_origins"`
	AdminEmails    []string    `json:"admin_emails"`
	DBHost         string      `json:"db_host"`
	DBPort         string      `json:"db_port"`
	DBUser         string      `json:"db_user"`
	DBPassword     string      `json:"-"`
	DBName         string      `json:"db_name"`
	DBSSLMode      string      `json:"db_ssl_mode"`
	DBMaxIdleConns int         `json:"db_max_idle_conns"`
	DBMaxOpenConns int         `json:"db_max_open_conns"`
	Redis          RedisConfig `json:"redis"`
	SMTP           SMTPConfig  `json:"smtp"`
	IMAP           IMAPConfig  `json:"imap"`

	SchedulerInterval time.Duration `json:"scheduler_interval"`
	WeeklySendHour    int           `json:"weekly_send_hour"`
	LiveEventBuffer   int           `json:"live_event_buffer"`
	RateLimitTracking int           `json:"rate_limit_tracking"`
	RateLimitSend     int           `json:"rate_limit_send"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		BaseURL:        strings.TrimRight(getEnv("BASE_URL", "http://localhost:5000"), "/"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		UserEmail:      getEnv("USER_EMAIL", ""),
		UploadDir:      getEnv("UPLOAD_DIR", "uploads"),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		AdminEmails:    getEnvAsList("ADMIN_EMAILS", nil),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailpulse"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_EVENTS_CHANNEL", "mailpulse:events"),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("SMTP_FROM_EMAIL", ""),
			FromName:  getEnv("SMTP_FROM_NAME", ""),
		},
		IMAP: IMAPConfig{
			Enabled:      getEnvAsBool("IMAP_ENABLED", false),
			Host:         getEnv("IMAP_HOST", ""),
			Port:         getEnvAsInt("IMAP_PORT", 993),
			Username:     getEnv("IMAP_USERNAME", ""),
			Password:     getEnv("IMAP_PASSWORD", ""),
			Mailbox:      getEnv("IMAP_MAILBOX", "INBOX"),
			Encryption:   getEnv("IMAP_ENCRYPTION", "SSL"),
			PollInterval: getEnvAsDuration("IMAP_POLL_INTERVAL", time.Minute),
		},
		SchedulerInterval: getEnvAsDuration("SCHEDULER_INTERVAL", time.Minute),
		WeeklySendHour:    getEnvAsInt("WEEKLY_SEND_HOUR", 9),
		LiveEventBuffer:   getEnvAsInt("LIVE_EVENT_BUFFER", 256),
		RateLimitTracking: getEnvAsInt("RATE_LIMIT_TRACKING", 120),
		RateLimitSend:     getEnvAsInt("RATE_LIMIT_SEND", 30),
	}

	AppConfig.AppURL = strings.TrimRight(getEnv("APP_URL", AppConfig.BaseURL), "/")

	if AppConfig.SMTP.FromEmail == "" {
		AppConfig.SMTP.FromEmail = AppConfig.SMTP.Username
	}
	if AppConfig.UserEmail == "" {
		AppConfig.UserEmail = AppConfig.SMTP.FromEmail
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.WeeklySendHour < 0 || AppConfig.WeeklySendHour > 23 {
		return fmt.Errorf("WEEKLY_SEND_HOUR must be between 0 and 23")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.SMTP.Host == "" {
			return fmt.Errorf("SMTP_HOST is required in production")
		}
		if strings.HasPrefix(AppConfig.BaseURL, "http://localhost") {
			return fmt.Errorf("BASE_URL must be a public address in production")
		}
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
// IsAdminEmail reports whether email is listed in ADMIN_EMAILS.
func (c Config) IsAdminEmail(email string) bool {
	for _, admin := range c.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(admin), strings.TrimSpace(email)) {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Tracking base URL: %s", AppConfig.BaseURL)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("SMTP(%t) IMAP(%t) Redis(%t) Sentry(%t)",
		AppConfig.SMTP.Host != "",
		AppConfig.IMAP.Enabled,
		AppConfig.Redis.Enabled,
		AppConfig.SentryDSN != "")
}

// MigrateDB creates or updates the schema for every persisted model.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Message{},
		&models.UniqueRecipient{},
	)
}
