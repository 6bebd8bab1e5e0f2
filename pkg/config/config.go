// Package config assembles controller settings from .env, the environment and
// the YAML region catalog. Command-line flags override the result in main.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"relay-fleet/pkg/db"
)

type Config struct {
	Addr  string
	Token string

	// Store is one of memory, gorm or consul.
	Store      string
	ConsulAddr string
	LockKey    string
	DB         db.Config

	JWTSecret string

	LogFile  string
	LogLevel string

	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	HealthLoginOnly  bool

	PanelTimeout  time.Duration
	PanelInsecure bool

	JournalPath    string
	InstallTimeout time.Duration
	RegionsFile    string

	TLSCert  string
	TLSKey   string
	ClientCA string
}

// Load reads .env from the working directory when present, then the environment.
func Load() Config {
	_ = LoadDotEnv(".env")
	return Config{
		Addr:       getenv("FLEET_ADDR", ":8080"),
		Token:      os.Getenv("FLEET_TOKEN"),
		Store:      getenv("FLEET_STORE", "memory"),
		ConsulAddr: getenv("FLEET_CONSUL_ADDR", "127.0.0.1:8500"),
		LockKey:    getenv("FLEET_LOCK_KEY", "relay-fleet/locks/leader"),
		DB: db.Config{
			DSN:  os.Getenv("MYSQL_DSN"),
			Host: getenv("MYSQL_HOST", "127.0.0.1"),
			Port: getenv("MYSQL_PORT", "3306"),
			User: getenv("MYSQL_USER", "root"),
			Pass: os.Getenv("MYSQL_PASS"),
			Name: getenv("MYSQL_DB", "relay_fleet"),
		},
		JWTSecret:        os.Getenv("JWT_SECRET"),
		LogFile:          os.Getenv("FLEET_LOG_FILE"),
		LogLevel:         getenv("FLEET_LOG_LEVEL", "info"),
		HealthInterval:   getduration("FLEET_HEALTH_INTERVAL", 5*time.Minute),
		HealthTimeout:    getduration("FLEET_HEALTH_TIMEOUT", 20*time.Second),
		FailureThreshold: getint("FLEET_FAILURE_THRESHOLD", 3),
		HealthLoginOnly:  getbool("FLEET_HEALTH_LOGIN_ONLY", false),
		PanelTimeout:     getduration("FLEET_PANEL_TIMEOUT", 30*time.Second),
		PanelInsecure:    getbool("FLEET_PANEL_INSECURE", false),
		JournalPath:      getenv("FLEET_JOURNAL_PATH", "./data/deploy-journal.db"),
		InstallTimeout:   getduration("FLEET_INSTALL_TIMEOUT", 30*time.Minute),
		RegionsFile:      os.Getenv("FLEET_REGIONS_FILE"),
		TLSCert:          os.Getenv("FLEET_TLS_CERT"),
		TLSKey:           os.Getenv("FLEET_TLS_KEY"),
		ClientCA:         os.Getenv("FLEET_CLIENT_CA"),
	}
}

// LoadDotEnv loads path into the environment without overriding set variables.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
