package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env     string `mapstructure:"ENV"`
	OpsPort string `mapstructure:"OPS_PORT"`

	MQTTBroker   string `mapstructure:"MQTT_BROKER"`
	MQTTPort     int    `mapstructure:"MQTT_PORT"`
	MQTTUser     string `mapstructure:"MQTT_USER"`
	MQTTPass     string `mapstructure:"MQTT_PASS"`
	MQTTQoS      byte   `mapstructure:"MQTT_QOS"`
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	FHIRBaseURL          string `mapstructure:"FHIR_BASE_URL"`
	FHIRToken            string `mapstructure:"FHIR_TOKEN"`
	FHIRTimeoutMS        int    `mapstructure:"FHIR_TIMEOUT_MS"`
	FHIRVerifyIdentifier bool   `mapstructure:"FHIR_VERIFY_IDENTIFIER"`

	EmitSinkURL       string `mapstructure:"EMIT_SINK_URL"`
	EmitQueueCapacity int    `mapstructure:"EMIT_QUEUE_CAPACITY"`

	Workers          int  `mapstructure:"WORKERS"`
	QueueHigh        int  `mapstructure:"QUEUE_HIGH"`
	QueueLow         int  `mapstructure:"QUEUE_LOW"`
	ValidationStrict bool `mapstructure:"VALIDATION_STRICT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("OPS_PORT", "8000")
	v.SetDefault("MQTT_PORT", 1883)
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("MQTT_CLIENT_ID", "medigate-ingest")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FHIR_TIMEOUT_MS", 10000)
	v.SetDefault("EMIT_QUEUE_CAPACITY", 4096)
	v.SetDefault("WORKERS", 2*runtime.NumCPU())
	v.SetDefault("QUEUE_HIGH", 1024)
	v.SetDefault("QUEUE_LOW", 256)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("OPS_PORT")
	v.BindEnv("MQTT_BROKER")
	v.BindEnv("MQTT_PORT")
	v.BindEnv("MQTT_USER")
	v.BindEnv("MQTT_PASS")
	v.BindEnv("MQTT_QOS")
	v.BindEnv("MQTT_CLIENT_ID")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_TOKEN")
	v.BindEnv("FHIR_TIMEOUT_MS")
	v.BindEnv("FHIR_VERIFY_IDENTIFIER")
	v.BindEnv("EMIT_SINK_URL")
	v.BindEnv("EMIT_QUEUE_CAPACITY")
	v.BindEnv("WORKERS")
	v.BindEnv("QUEUE_HIGH")
	v.BindEnv("QUEUE_LOW")
	v.BindEnv("VALIDATION_STRICT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MQTTBroker == "" {
		return nil, fmt.Errorf("MQTT_BROKER is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// FHIRTimeout returns the per-call FHIR deadline. Batch submissions use
// three times this value.
func (c *Config) FHIRTimeout() time.Duration {
	return time.Duration(c.FHIRTimeoutMS) * time.Millisecond
}

// Validate checks cross-field constraints that Load does not enforce.
func (c *Config) Validate() error {
	if c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	if c.QueueLow >= c.QueueHigh {
		return fmt.Errorf("QUEUE_LOW (%d) must be below QUEUE_HIGH (%d)", c.QueueLow, c.QueueHigh)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.FHIRBaseURL != "" && c.FHIRToken == "" {
		return fmt.Errorf("FHIR_TOKEN is required when FHIR_BASE_URL is set")
	}
	return nil
}
