package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port            string `mapstructure:"port"`
		Env             string `mapstructure:"env"`
		ReadTimeout     int    `mapstructure:"readTimeout"`
		WriteTimeout    int    `mapstructure:"writeTimeout"`
		ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`
	Gateway struct {
		BaseURL        string `mapstructure:"baseUrl"`
		MerchantID     string `mapstructure:"merchantId"`
		CallbackURL    string `mapstructure:"callbackUrl"`
		TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
		Sandbox        bool   `mapstructure:"sandbox"`
	} `mapstructure:"gateway"`
	Scheduler struct {
		IntervalMinutes int `mapstructure:"intervalMinutes"`
		BatchSize       int `mapstructure:"batchSize"`
		FailureCeiling  int `mapstructure:"failureCeiling"`
	} `mapstructure:"scheduler"`
	Webhook struct {
		AllowedUserAgents []string `mapstructure:"allowedUserAgents"`
		AllowedIPs        []string `mapstructure:"allowedIps"`
		TimestampSkew     int      `mapstructure:"timestampSkew"` // секунды
		RateLimit         int      `mapstructure:"rateLimit"`
		RateWindowSeconds int      `mapstructure:"rateWindowSeconds"`
		Endpoints         []struct {
			Name       string   `mapstructure:"name"`
			URL        string   `mapstructure:"url"`
			Secret     string   `mapstructure:"secret"`
			EventTypes []string `mapstructure:"eventTypes"`
			Enabled    bool     `mapstructure:"enabled"`
		} `mapstructure:"endpoints"`
	} `mapstructure:"webhook"`
}

// SchedulerInterval возвращает интервал планировщика
func (c *Config) SchedulerInterval() time.Duration {
	if c.Scheduler.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Scheduler.IntervalMinutes) * time.Minute
}

// GatewayTimeout возвращает таймаут запросов к шлюзу
func (c *Config) GatewayTimeout() time.Duration {
	if c.Gateway.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// IsProduction сообщает, работает ли сервис в production-окружении
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

// LoadConfig загружает конфигурацию из файла или переменных окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// .env не обязателен при локальной разработке
		_ = godotenv.Load(path)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv() // Чтение переменных окружения

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
