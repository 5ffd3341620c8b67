// Package config содержит логику чтения конфигурации сервиса регистрации.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса регистрации.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	GatewayAddress      string `env:"GATEWAY_ADDRESS"`
	GatewayAccessToken  string `env:"GATEWAY_ACCESS_TOKEN"`
	GatewayLocationID   string `env:"GATEWAY_LOCATION_ID"`
	Currency            string `env:"CURRENCY"`
	WebhookSignatureKey string `env:"WEBHOOK_SIGNATURE_KEY"`
	WebhookURL          string `env:"WEBHOOK_URL"`
	TerminalTokenSecret string `env:"TERMINAL_TOKEN_SECRET"`
	MQTTBrokerURL       string `env:"MQTT_BROKER_URL"`
	RegistrationEmail   string `env:"REGISTRATION_EMAIL"`
	SMTPAddress         string `env:"SMTP_ADDRESS"`
	SMTPFrom            string `env:"SMTP_FROM"`
	// IssueTerminalToken — имя терминала, для которого нужно выпустить токен
	// доступа. Задаётся только флагом: сервер при этом не запускается.
	IssueTerminalToken string
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.IssueTerminalToken, "t", "", "issue an access token for the named terminal and exit")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}

	return cfg, nil
}
