package app

import (
	"os"

	"notifyd/internal/config"
)

// LoadConfig loads the process configuration. Outside APP_ENV=local every
// <VAR>_SSM_PARAM pointer is resolved through SSM Parameter Store first.
func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
}
