package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config vms-registry 配置（环境变量加载）
type Config struct {
	HTTP struct {
		Addr string
	}

	DBEnabled bool
	Database  DatabaseConfig

	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}

	Log struct {
		Level  string
		Format string
	}

	Reconcile ReconcileConfig
	Media     MediaConfig
	MQTT      MQTTConfig
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// ReconcileConfig 协调引擎可调参数
type ReconcileConfig struct {
	LockTimeout time.Duration // max wait for a mutation lock
	LockLease   time.Duration // server-side lock expiry (crash safety net)
	CacheTTL    time.Duration // record cache TTL (correctness never depends on it)
}

// MediaConfig 流媒体节点管理 API 配置
type MediaConfig struct {
	APIBase string // management API base URL of the default media node
	Secret  string // API secret
}

// MQTTConfig 设备保活订阅配置
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // keepalive topic (e.g. "vms/keepalive/#")
	QoS      byte
}

func Load() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":18080")

	// Default to true for local dev: if DB is unavailable, vms-registry
	// falls back to the in-memory record store.
	cfg.DBEnabled = getEnv("DB_ENABLED", "true") == "true"
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "vmsreg")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "20"), 20)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Enabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.Reconcile.LockTimeout = parseDuration(getEnv("RECONCILE_LOCK_TIMEOUT", "3s"), 3*time.Second)
	cfg.Reconcile.LockLease = parseDuration(getEnv("RECONCILE_LOCK_LEASE", "15s"), 15*time.Second)
	cfg.Reconcile.CacheTTL = parseDuration(getEnv("RECONCILE_CACHE_TTL", "10m"), 10*time.Minute)

	cfg.Media.APIBase = getEnv("MEDIA_API_BASE", "http://localhost:9080")
	cfg.Media.Secret = getEnv("MEDIA_API_SECRET", "")

	cfg.MQTT.Enabled = getEnv("MQTT_ENABLED", "false") == "true"
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vms-registry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.Topic = getEnv("MQTT_TOPIC", "vms/keepalive/#")
	cfg.MQTT.QoS = byte(parseInt(getEnv("MQTT_QOS", "1"), 1))

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
