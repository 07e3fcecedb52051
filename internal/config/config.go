package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
}

type SlackConfig struct {
	BotToken  string
	ChannelID string
}

type DosingConfig struct {
	// AntiGapMinutes is the minimum separation between doses on different
	// pumps of one module. 0 disables the rule.
	AntiGapMinutes      int
	LowThresholdPercent int
	Timezone            string
}

type HTTPConfig struct {
	Addr string
}

// ModuleConfig describes one known ESP32 pump module. The ID is the stable
// hardware-reported name; the IP may change with DHCP and is re-verified
// before sending.
type ModuleConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	IP   string `json:"ip"`
}

type Config struct {
	Database      DatabaseConfig
	MQTT          MQTTConfig
	Telegram      TelegramConfig
	Slack         SlackConfig
	Dosing        DosingConfig
	HTTP          HTTPConfig
	StatePath     string
	Modules       []ModuleConfig `json:"modules"`
	ModuleCfgPath string         `json:"modulecfgpath"`
}

func LoadConfig() (*Config, error) {
	v := viper.New()

	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")

	v.BindEnv("mqtt.broker", "MQTT_BROKER")
	v.BindEnv("mqtt.clientid", "MQTT_CLIENT_ID")
	v.BindEnv("mqtt.username", "MQTT_USERNAME")
	v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	v.BindEnv("telegram.bottoken", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("telegram.chatid", "TELEGRAM_CHAT_ID")

	v.BindEnv("slack.bottoken", "SLACK_BOT_TOKEN")
	v.BindEnv("slack.channelid", "SLACK_CHANNEL_ID")

	v.BindEnv("dosing.antigapminutes", "ANTI_GAP_MINUTES")
	v.BindEnv("dosing.lowthresholdpercent", "TANK_LOW_THRESHOLD_PERCENT")
	v.BindEnv("dosing.timezone", "TIMEZONE")

	v.BindEnv("http.addr", "HTTP_ADDR")
	v.BindEnv("statepath", "STATE_PATH")
	v.BindEnv("modulecfgpath", "MODULE_CONFIG_PATH")

	v.SetDefault("dosing.lowthresholdpercent", 20)
	v.SetDefault("http.addr", ":3005")
	v.SetDefault("statepath", "doser-state.json")
	v.SetDefault("mqtt.clientid", "doser-control")

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}

	if env == "local" {
		v.SetConfigFile(".env.local")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file .env.local: %w", err)
			}
			log.Println("[INFO] .env.local not found, relying on environment variables.")
		} else {
			log.Printf("[INFO] Loaded configuration from %s", v.ConfigFileUsed())
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Load the module registry from the JSON file when one is configured.
	if config.ModuleCfgPath != "" {
		jsonFile, err := os.Open(config.ModuleCfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open module config file '%s': %w", config.ModuleCfgPath, err)
		}
		defer jsonFile.Close()

		byteValue, err := io.ReadAll(jsonFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read module config file: %w", err)
		}

		// The JSON structure is an object with a "modules" key,
		// e.g. { "modules": [ {"id": "...", "ip": "..."} ] }.
		if err := json.Unmarshal(byteValue, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal module config JSON: %w", err)
		}
	}

	return &config, nil
}

// DSN returns the PostgreSQL connection string.
func (cfg *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		cfg.Database.Host,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.Port,
		cfg.Database.SSLMode,
	)
}

// Location resolves the configured time zone; day boundaries for scheduling
// and accounting are computed in it.
func (cfg *Config) Location() (*time.Location, error) {
	if cfg.Dosing.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.Dosing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Dosing.Timezone, err)
	}
	return loc, nil
}

// Module looks up a module by its stable ID.
func (cfg *Config) Module(id string) (ModuleConfig, bool) {
	for _, m := range cfg.Modules {
		if m.ID == id {
			return m, true
		}
	}
	return ModuleConfig{}, false
}
