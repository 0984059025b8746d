package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IssuerRule fija la estrategia de resolución de un issuer.
type IssuerRule struct {
	Issuer  string `yaml:"issuer"`
	Mode    string `yaml:"mode"`     // local | remote | deny
	JWKSURL string `yaml:"jwks_url"` // solo remote
}

type Config struct {
	App struct {
		// dev | staging | prod
		Env  string `yaml:"app_env"`
		Name string `yaml:"name"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"` // debug | info | warn | error
	} `yaml:"log"`

	Resolver struct {
		// Modo por defecto para issuers sin regla.
		Mode      string       `yaml:"mode"`
		ClockSkew string       `yaml:"clock_skew"`
		Issuers   []IssuerRule `yaml:"issuers"`

		Remote struct {
			Timeout           string   `yaml:"timeout"`
			MaxResponseBytes  int64    `yaml:"max_response_bytes"`
			AllowedIssuers    []string `yaml:"allowed_issuers"`
			AllowInsecureHTTP bool     `yaml:"allow_insecure_http"` // sólo dev
			Rate              struct {
				PerSecond float64 `yaml:"per_second"` // 0 => sin límite
				Burst     int     `yaml:"burst"`
			} `yaml:"rate"`
		} `yaml:"remote"`
	} `yaml:"resolver"`

	Cache struct {
		Kind  string `yaml:"kind"` // none | memory | redis
		TTL   string `yaml:"ttl"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Storage struct {
		Driver  string `yaml:"driver"` // memory | fs | postgres
		Dir     string `yaml:"dir"`
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"storage"`

	Server struct {
		Addr         string `yaml:"addr"`
		JWKSCacheTTL string `yaml:"jwks_cache_ttl"`

		// AdminToken habilita la API de registro de claves (Bearer). Vacío => deshabilitada.
		AdminToken string `yaml:"admin_token"`
		Rate       struct {
			Enabled   bool    `yaml:"enabled"`
			PerSecond float64 `yaml:"per_second"`
			Burst     int     `yaml:"burst"`
		} `yaml:"rate"`
	} `yaml:"server"`
}

// Default devuelve la configuración sin archivo ni env: resolución local
// contra un registro en ./data/keys y cache en memoria.
func Default() *Config {
	var c Config
	c.setDefaults()
	return &c
}

// Load lee path (si no está vacío), completa defaults, aplica overrides XQR_*
// y valida.
func Load(path string) (*Config, error) {
	var c Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		// Normalizar ruta del registro (si relativa) respecto al directorio del YAML
		if d := strings.TrimSpace(c.Storage.Dir); d != "" && !filepath.IsAbs(d) {
			c.Storage.Dir = filepath.Clean(filepath.Join(filepath.Dir(path), d))
		}
	}

	c.setDefaults()

	// Overrides por env
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.Name == "" {
		c.App.Name = "xqr"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Resolver.Mode == "" {
		c.Resolver.Mode = "local"
	}
	if c.Resolver.ClockSkew == "" {
		c.Resolver.ClockSkew = "30s"
	}
	if c.Resolver.Remote.Timeout == "" {
		c.Resolver.Remote.Timeout = "5s"
	}
	if c.Resolver.Remote.MaxResponseBytes == 0 {
		c.Resolver.Remote.MaxResponseBytes = 64 << 10
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = "10m"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "xqr"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "fs"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data/keys"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.JWKSCacheTTL == "" {
		c.Server.JWKSCacheTTL = "30s"
	}
	if c.Server.Rate.PerSecond == 0 {
		c.Server.Rate.PerSecond = 10
	}
	if c.Server.Rate.Burst == 0 {
		c.Server.Rate.Burst = 20
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvInt64(key string) (int64, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides: pisa el YAML con variables XQR_*.
func (c *Config) applyEnvOverrides() {
	// APP / LOG
	if v, ok := getEnvStr("XQR_APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("XQR_LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}

	// RESOLVER
	if v, ok := getEnvStr("XQR_RESOLVER_MODE"); ok {
		c.Resolver.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("XQR_RESOLVER_CLOCK_SKEW"); ok {
		c.Resolver.ClockSkew = v
	}
	// XQR_RESOLVER_ISSUERS="https://a.example=remote;urn:b=local"
	// pisa o agrega reglas sin JWKS URL propia.
	if m, ok := getEnvKVList("XQR_RESOLVER_ISSUERS", ";"); ok {
		for iss, mode := range m {
			c.setRule(iss, strings.ToLower(mode))
		}
	}
	if v, ok := getEnvStr("XQR_RESOLVER_TIMEOUT"); ok {
		c.Resolver.Remote.Timeout = v
	}
	if v, ok := getEnvInt64("XQR_RESOLVER_MAX_RESPONSE_BYTES"); ok {
		c.Resolver.Remote.MaxResponseBytes = v
	}
	if v, ok := getEnvCSV("XQR_RESOLVER_ALLOWED_ISSUERS"); ok {
		c.Resolver.Remote.AllowedIssuers = v
	}
	if v, ok := getEnvBool("XQR_RESOLVER_ALLOW_INSECURE_HTTP"); ok {
		c.Resolver.Remote.AllowInsecureHTTP = v
	}
	if v, ok := getEnvFloat("XQR_RESOLVER_RATE_PER_SECOND"); ok {
		c.Resolver.Remote.Rate.PerSecond = v
	}
	if v, ok := getEnvInt("XQR_RESOLVER_RATE_BURST"); ok {
		c.Resolver.Remote.Rate.Burst = v
	}

	// CACHE
	if v, ok := getEnvStr("XQR_CACHE_KIND"); ok {
		c.Cache.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvStr("XQR_CACHE_TTL"); ok {
		c.Cache.TTL = v
	}
	if v, ok := getEnvStr("XQR_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("XQR_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvInt("XQR_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("XQR_REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}

	// STORAGE
	if v, ok := getEnvStr("XQR_STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("XQR_STORAGE_DIR"); ok {
		c.Storage.Dir = v
	}
	if v, ok := getEnvStr("XQR_STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvBool("XQR_STORAGE_MIGRATE"); ok {
		c.Storage.Migrate = v
	}

	// SERVER
	if v, ok := getEnvStr("XQR_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("XQR_SERVER_JWKS_CACHE_TTL"); ok {
		c.Server.JWKSCacheTTL = v
	}
	if v, ok := getEnvStr("XQR_SERVER_ADMIN_TOKEN"); ok {
		c.Server.AdminToken = strings.TrimSpace(v)
	}
	if v, ok := getEnvBool("XQR_SERVER_RATE_ENABLED"); ok {
		c.Server.Rate.Enabled = v
	}
	if v, ok := getEnvFloat("XQR_SERVER_RATE_PER_SECOND"); ok {
		c.Server.Rate.PerSecond = v
	}
	if v, ok := getEnvInt("XQR_SERVER_RATE_BURST"); ok {
		c.Server.Rate.Burst = v
	}
}

func (c *Config) setRule(issuer, mode string) {
	for i := range c.Resolver.Issuers {
		if c.Resolver.Issuers[i].Issuer == issuer {
			c.Resolver.Issuers[i].Mode = mode
			return
		}
	}
	c.Resolver.Issuers = append(c.Resolver.Issuers, IssuerRule{Issuer: issuer, Mode: mode})
}

// Validate revisa valores críticos. Los errores nombran la clave YAML.
func (c *Config) Validate() error {
	switch c.Resolver.Mode {
	case "local", "remote", "deny":
	default:
		return fmt.Errorf("resolver.mode: unknown mode %q (want local|remote|deny)", c.Resolver.Mode)
	}
	seen := map[string]bool{}
	for i, r := range c.Resolver.Issuers {
		if strings.TrimSpace(r.Issuer) == "" {
			return fmt.Errorf("resolver.issuers[%d]: empty issuer", i)
		}
		if seen[r.Issuer] {
			return fmt.Errorf("resolver.issuers[%d]: duplicate issuer %q", i, r.Issuer)
		}
		seen[r.Issuer] = true
		switch r.Mode {
		case "local", "remote", "deny":
		default:
			return fmt.Errorf("resolver.issuers[%d]: unknown mode %q", i, r.Mode)
		}
		if r.JWKSURL != "" && r.Mode != "remote" {
			return fmt.Errorf("resolver.issuers[%d]: jwks_url requires mode remote", i)
		}
	}
	if c.Resolver.Remote.MaxResponseBytes < 0 {
		return fmt.Errorf("resolver.remote.max_response_bytes: must be positive")
	}
	if c.Resolver.Remote.Rate.PerSecond < 0 {
		return fmt.Errorf("resolver.remote.rate.per_second: must not be negative")
	}

	// validate string durations
	for name, s := range map[string]string{
		"resolver.clock_skew":     c.Resolver.ClockSkew,
		"resolver.remote.timeout": c.Resolver.Remote.Timeout,
		"cache.ttl":               c.Cache.TTL,
		"server.jwks_cache_ttl":   c.Server.JWKSCacheTTL,
	} {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}

	switch c.Cache.Kind {
	case "none", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr: required when cache.kind=redis")
		}
	default:
		return fmt.Errorf("cache.kind: unknown kind %q (want none|memory|redis)", c.Cache.Kind)
	}

	switch c.Storage.Driver {
	case "memory":
	case "fs":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir: required when storage.driver=fs")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn: required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (want memory|fs|postgres)", c.Storage.Driver)
	}

	if c.Server.Rate.Enabled && c.Server.Rate.PerSecond <= 0 {
		return fmt.Errorf("server.rate.per_second: must be positive when rate limiting is enabled")
	}
	return nil
}

// mustDur parsea una duración ya validada.
func mustDur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) ClockSkew() time.Duration { return mustDur(c.Resolver.ClockSkew) }
func (c *Config) RemoteTimeout() time.Duration { return mustDur(c.Resolver.Remote.Timeout) }
func (c *Config) CacheTTL() time.Duration { return mustDur(c.Cache.TTL) }
func (c *Config) JWKSCacheTTL() time.Duration { return mustDur(c.Server.JWKSCacheTTL) }
func (c *Config) IsProd() bool { return strings.EqualFold(c.App.Env, "prod") }

// parse env of form "k1=v1<sep>k2=v2" into map
func parseKVList(s, sep string) map[string]string {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]string{}
	}
	items := strings.Split(s, sep)
	out := make(map[string]string, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		// split at last '=' (los issuers pueden ser URLs con '=')
		if i := strings.LastIndexByte(it, '='); i > 0 {
			k := strings.TrimSpace(it[:i])
			v := strings.TrimSpace(it[i+1:])
			if k != "" && v != "" {
				out[k] = v
			}
		}
	}
	return out
}

func getEnvKVList(key, sep string) (map[string]string, bool) {
	if s, ok := getEnvStr(key); ok {
		return parseKVList(s, sep), true
	}
	return nil, false
}
