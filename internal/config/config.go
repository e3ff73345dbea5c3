package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Config holds the environment-provided settings for the process.
// Discrete DB_* variables are assembled into a DSN when DATABASE_DSN
// is not set directly.
type Config struct {
	ServerAddr    string `env:"SERVER_ADDR,default=localhost:8000"`
	DatabaseDSN   string `env:"DATABASE_DSN"`
	DBHost        string `env:"DB_HOST,default=localhost"`
	DBPort        int    `env:"DB_PORT,default=5432"`
	DBUser        string `env:"DB_USER,default=postgres"`
	DBPassword    string `env:"DB_PASSWORD"`
	DBName        string `env:"DB_NAME,default=postgres"`
	SigningSecret string `env:"SIGNING_KEY"`
	OriginList    string `env:"ALLOWED_ORIGINS"`

	// derived by Finalize, not read from the environment
	SigningKey     []byte
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty signing secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Finalize validates the raw environment values and derives the DSN,
// signing key and origin list.
func (c *Config) Finalize() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}

	if c.DatabaseDSN == "" {
		if c.DBHost == "" || c.DBName == "" || c.DBUser == "" {
			return fmt.Errorf("database coordinates cannot be empty")
		}
		c.DatabaseDSN = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName,
		)
	}

	// The signing key is optional: without it the gateway skips token
	// verification and trusts the user query parameter.
	if c.SigningSecret != "" {
		key, err := decodeSigningSecret(c.SigningSecret)
		if err != nil {
			return fmt.Errorf("decode signing secret: %w", err)
		}
		c.SigningKey = key
	}

	if c.OriginList != "" {
		for _, o := range strings.Split(c.OriginList, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}

	return nil
}
