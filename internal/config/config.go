// 包 config：集中读取环境变量（.env 由入口通过 godotenv 预先加载），未设置时使用内联默认值
package config

import (
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config 服务运行配置
type Config struct {
	Addr    string
	APIBase string
	UIDist  string

	BackendURL  string
	HTTPTimeout time.Duration
	TopN        int

	SessionIdleTTL time.Duration
	MaxSessions    int

	CacheSize int
	CacheTTL  time.Duration

	RedisEnable bool
	RedisHost   string
	RedisPort   string
	RedisPass   string
	RedisDB     int

	ResearchLogEnable bool
	PGHost            string
	PGPort            string
	PGUser            string
	PGPassword        string
	PGDB              string
	PGSSLMode         string
	PGMaxOpenConns    int
	PGMaxIdleConns    int

	RateLimitEnabled bool
	RateLimitQPS     int

	TLSEnable   bool
	TLSCertPath string
	TLSKeyPath  string
}

// 文档注释：从环境变量构建配置
// 约束：数值解析失败或越界时回退默认值；布尔值仅识别 "true"（不区分大小写）。
func FromEnv() Config {
	return Config{
		Addr:    str("ADDR", ":8080"),
		APIBase: strings.TrimRight(str("API_BASE", "/api"), "/"),
		UIDist:  str("UI_DIST", filepath.Join("ui", "dist")),

		BackendURL:  str("TERRA_BACKEND_URL", "http://localhost:8000/api"),
		HTTPTimeout: seconds("TERRA_HTTP_TIMEOUT_S", 30),
		TopN:        positive("TERRA_TOP_N", 5),

		SessionIdleTTL: seconds("SESSION_IDLE_TTL_S", 1800),
		MaxSessions:    positive("SESSION_MAX", 1000),

		CacheSize: positive("TERRA_CACHE_SIZE", 256),
		CacheTTL:  seconds("TERRA_CACHE_TTL_S", 3600),

		RedisEnable: flag("REDIS_ENABLE"),
		RedisHost:   str("REDIS_HOST", "127.0.0.1"),
		RedisPort:   str("REDIS_PORT", "6379"),
		RedisPass:   os.Getenv("REDIS_PASS"),
		RedisDB:     nonNegative("REDIS_DB", 0),

		ResearchLogEnable: flag("RESEARCH_LOG_ENABLE"),
		PGHost:            str("PG_HOST", "localhost"),
		PGPort:            str("PG_PORT", "5432"),
		PGUser:            str("PG_USER", "postgres"),
		PGPassword:        os.Getenv("PG_PASSWORD"),
		PGDB:              str("PG_DB", "terra"),
		PGSSLMode:         str("PG_SSLMODE", "disable"),
		PGMaxOpenConns:    positive("PG_MAX_OPEN_CONNS", 10),
		PGMaxIdleConns:    positive("PG_MAX_IDLE_CONNS", 5),

		RateLimitEnabled: flag("RATE_LIMIT_ENABLED"),
		RateLimitQPS:     positive("RATE_LIMIT_QPS", 20),

		TLSEnable:   flag("TLS_ENABLE"),
		TLSCertPath: str("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt")),
		TLSKeyPath:  str("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key")),
	}
}

// PostgresDSN 由 PG_* 配置拼接连接串；用户名与密码按 URL userinfo 转义
func (c Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.User(c.PGUser),
		Host:     net.JoinHostPort(c.PGHost, c.PGPort),
		Path:     "/" + c.PGDB,
		RawQuery: url.Values{"sslmode": {c.PGSSLMode}}.Encode(),
	}
	if c.PGPassword != "" {
		u.User = url.UserPassword(c.PGUser, c.PGPassword)
	}
	return u.String()
}

// RedisAddr host:port
func (c Config) RedisAddr() string { return c.RedisHost + ":" + c.RedisPort }

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func flag(key string) bool { return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true") }

func positive(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n > 0 {
		return n
	}
	return def
}

func nonNegative(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && n >= 0 {
		return n
	}
	return def
}

func seconds(key string, def int) time.Duration {
	return time.Duration(positive(key, def)) * time.Second
}
