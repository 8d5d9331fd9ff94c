package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	Recipe   RecipeConfig   `mapstructure:"recipe"`
	Robot    RobotConfig    `mapstructure:"robot"`
	Teaching TeachingConfig `mapstructure:"teaching"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration. Tokens are issued by the plant identity service,
// the pendant only verifies them.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
	Issuer       string `mapstructure:"issuer"`
}

// Safety mode values
const (
	SafetyModeSimulation = "simulation"
	SafetyModeModbus     = "modbus"
)

type SafetyConfig struct {
	MonitorInterval time.Duration     `mapstructure:"monitor_interval"`
	Mode            string            `mapstructure:"mode"`
	CriticalDevices []string          `mapstructure:"critical_devices"`
	Interlocks      []InterlockConfig `mapstructure:"interlocks"`
}

// InterlockConfig describes one monitored door/gate/panel. The input
// addresses are only used in modbus mode; FaultInput is nil when the device
// has no separate fault contact.
type InterlockConfig struct {
	Name        string `mapstructure:"name"`
	Location    string `mapstructure:"location"`
	Description string `mapstructure:"description"`
	ClosedInput int    `mapstructure:"closed_input"`
	FaultInput  *int   `mapstructure:"fault_input"`
}

type ModbusConfig struct {
	Address string        `mapstructure:"address"`
	UnitID  int           `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RecipeConfig struct {
	ValidationDelay  time.Duration `mapstructure:"validation_delay"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	TeachingProvider string        `mapstructure:"teaching_provider"`
}

type RobotConfig struct {
	Simulated       bool          `mapstructure:"simulated"`
	Address         string        `mapstructure:"address"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MoveTimePerUnit time.Duration `mapstructure:"move_time_per_unit"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
}

// TeachingConfig seeds the default provider. With a database, seeds only
// fill positions that are not stored yet.
type TeachingConfig struct {
	Positions []TeachingPositionConfig `mapstructure:"positions"`
}

type TeachingPositionConfig struct {
	Group    string  `mapstructure:"group"`
	Location string  `mapstructure:"location"`
	R        float64 `mapstructure:"r"`
	Theta    float64 `mapstructure:"theta"`
	Z        float64 `mapstructure:"z"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.development", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "pendant")
	v.SetDefault("database.user", "pendant")
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("safety.monitor_interval", "500ms")
	v.SetDefault("safety.mode", SafetyModeSimulation)
	v.SetDefault("safety.critical_devices", []string{})

	v.SetDefault("modbus.address", "127.0.0.1:502")
	v.SetDefault("modbus.unit_id", 1)
	v.SetDefault("modbus.timeout", "1s")

	v.SetDefault("recipe.validation_delay", "100ms")
	v.SetDefault("recipe.stop_timeout", "5s")
	v.SetDefault("recipe.teaching_provider", "default")

	v.SetDefault("robot.simulated", true)
	v.SetDefault("robot.address", "127.0.0.1:7000")
	v.SetDefault("robot.connect_timeout", "2s")
	v.SetDefault("robot.move_time_per_unit", "0s")
	v.SetDefault("robot.check_interval", "5s")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	// Environment Variables mit Prefix PENDANT_
	v.SetEnvPrefix("PENDANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return decode(v)
}

// Default returns the configuration used when no file is present:
// simulated robot, simulated interlocks, no database.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// defaults are static, this only fires on a programming error
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the safety layer cannot run with.
func (c *Config) Validate() error {
	if c.Safety.MonitorInterval <= 0 {
		return fmt.Errorf("safety.monitor_interval must be positive")
	}

	switch c.Safety.Mode {
	case SafetyModeSimulation, SafetyModeModbus:
	default:
		return fmt.Errorf("unknown safety.mode %q", c.Safety.Mode)
	}

	seen := make(map[string]bool, len(c.Safety.Interlocks))
	for i, il := range c.Safety.Interlocks {
		if strings.TrimSpace(il.Name) == "" {
			return fmt.Errorf("safety.interlocks[%d]: name is required", i)
		}
		if seen[il.Name] {
			return fmt.Errorf("safety.interlocks[%d]: duplicate name %q", i, il.Name)
		}
		seen[il.Name] = true
	}

	for i, p := range c.Teaching.Positions {
		if strings.TrimSpace(p.Group) == "" || strings.TrimSpace(p.Location) == "" {
			return fmt.Errorf("teaching.positions[%d]: group and location are required", i)
		}
	}

	if c.Recipe.StopTimeout <= 0 {
		return fmt.Errorf("recipe.stop_timeout must be positive")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET" // Fallback
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		// Development Fallback (MIT WARNING!)
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

// Helper um zu prüfen ob Production-Ready
func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
