package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del core.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Sweeps  SweepsConfig  `yaml:"sweeps"`
	Storage StorageConfig `yaml:"storage"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig controla la graduación, la admisión de trades y el saldo inicial.
type EngineConfig struct {
	// volumen que pasa un mercado a graduating y horas en graduating antes de main
	GraduationVolume float64 `yaml:"graduation_volume"`
	GraduationHours  float64 `yaml:"graduation_hours"`

	// límite por usuario; 0 desactiva
	TradesPerSecond     float64 `yaml:"trades_per_second"`
	TradeBurst          int     `yaml:"trade_burst"`
	InitialBalance      float64 `yaml:"initial_balance"`
	DefaultLiquidity    float64 `yaml:"default_liquidity"`
	SweepLockTTLSeconds int     `yaml:"sweep_lock_ttl_seconds"`
}

// SweepsConfig controla cada cuánto corren los sweeps periódicos.
type SweepsConfig struct {
	ExpireIntervalSeconds     int `yaml:"expire_interval_seconds"`
	GraduationIntervalSeconds int `yaml:"graduation_interval_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite | memory
	DSN     string `yaml:"dsn"`     // ruta al archivo SQLite, o ":memory:"
}

// LockConfig elige el lock de los sweeps.
type LockConfig struct {
	Backend       string `yaml:"backend"` // local | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse interpreta un documento YAML y aplica overrides de entorno y defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GraduationTimer devuelve el tiempo en graduating como time.Duration.
func (c *Config) GraduationTimer() time.Duration {
	return time.Duration(c.Engine.GraduationHours * float64(time.Hour))
}

// SweepLockTTL devuelve la vida máxima del lock de un sweep.
func (c *Config) SweepLockTTL() time.Duration {
	return time.Duration(c.Engine.SweepLockTTLSeconds) * time.Second
}

// ExpireInterval devuelve el intervalo del sweep de expiración.
func (c *Config) ExpireInterval() time.Duration {
	return time.Duration(c.Sweeps.ExpireIntervalSeconds) * time.Second
}

// GraduationInterval devuelve el intervalo del sweep de graduación.
func (c *Config) GraduationInterval() time.Duration {
	return time.Duration(c.Sweeps.GraduationIntervalSeconds) * time.Second
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config.Load: storage backend %q: want sqlite|memory", c.Storage.Backend)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("config.Load: lock backend redis needs redis_addr")
		}
	default:
		return fmt.Errorf("config.Load: lock backend %q: want local|redis", c.Lock.Backend)
	}
	return nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LIKELI_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LIKELI_STORAGE"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("LIKELI_REDIS_ADDR"); v != "" {
		cfg.Lock.Backend = "redis"
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("LIKELI_REDIS_PASSWORD"); v != "" {
		cfg.Lock.RedisPassword = v
	}
	if v := os.Getenv("LIKELI_INITIAL_BALANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.InitialBalance = f
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.GraduationVolume <= 0 {
		cfg.Engine.GraduationVolume = 1000
	}
	if cfg.Engine.GraduationHours <= 0 {
		cfg.Engine.GraduationHours = 24
	}
	if cfg.Engine.TradesPerSecond < 0 {
		cfg.Engine.TradesPerSecond = 0
	}
	if cfg.Engine.TradeBurst <= 0 {
		cfg.Engine.TradeBurst = 5
	}
	if cfg.Engine.InitialBalance <= 0 {
		cfg.Engine.InitialBalance = 1000
	}
	if cfg.Engine.DefaultLiquidity <= 0 {
		cfg.Engine.DefaultLiquidity = 100
	}
	if cfg.Engine.SweepLockTTLSeconds <= 0 {
		cfg.Engine.SweepLockTTLSeconds = 60
	}
	if cfg.Sweeps.ExpireIntervalSeconds <= 0 {
		cfg.Sweeps.ExpireIntervalSeconds = 60
	}
	if cfg.Sweeps.GraduationIntervalSeconds <= 0 {
		cfg.Sweeps.GraduationIntervalSeconds = 300
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "likeli.db"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.Prefix == "" {
		cfg.Lock.Prefix = "likeli:lock:"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
