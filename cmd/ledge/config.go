package main

import (
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the proxy's file configuration. Every field can also be set
// through flags or LEDGE_* environment variables; precedence is
// flags > environment > file.
type Config struct {
	Origin          string `yaml:"origin" env:"LEDGE_ORIGIN"`
	Host            string `yaml:"host" env:"LEDGE_ORIGIN_HOST"`
	Port            int    `yaml:"port" env:"LEDGE_PORT"`
	RedisAddr       string `yaml:"redis" env:"LEDGE_REDIS_ADDR"`
	EntityDB        string `yaml:"entityDb" env:"LEDGE_ENTITY_DB"`
	MaxEntitySize   int64  `yaml:"maxEntitySize" env:"LEDGE_MAX_ENTITY_SIZE"`
	TLSVerify       bool   `yaml:"tlsVerify" env:"LEDGE_TLS_VERIFY"`
	AdvertiseLedge  bool   `yaml:"advertise" env:"LEDGE_ADVERTISE"`
	ESIEnabled      bool   `yaml:"esi" env:"LEDGE_ESI"`
	VisibleHostname string `yaml:"visibleHostname" env:"LEDGE_VISIBLE_HOSTNAME"`
}

func loadConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	err := env.Parse(&config)
	return config, err
}
