package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ExportEnvConfig controls ExportEnvFile.
type ExportEnvConfig struct {
	OutputPath  string
	Environment string
	SSM         *SSMManager
	Stderr      io.Writer

	// IncludeLocalDefaults appends the variables a local run needs on top
	// of the exported secrets.
	IncludeLocalDefaults bool

	// Inventory defaults to the full bootstrap inventory.
	Inventory []BootstrapStep
}

// localDefaults point a local worker at docker-compose services.
var localDefaults = map[string]string{
	"APP_ENV":             "local",
	"BROKER_KIND":         "rabbitmq",
	"EMAIL_PROVIDER":      "stub",
	"PUSH_PROVIDER":       "stub",
	"IDEMPOTENCY_BACKEND": "redis",
	"METRICS_BACKEND":     "prometheus",
	"LOG_LEVEL":           "debug",
}

// ExportEnvFile reads every inventory parameter back from SSM and writes a
// .env file with 0600 permissions. Missing parameters are reported and
// left out. It fails only when nothing could be read.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	inventory := cfg.Inventory
	if inventory == nil {
		inventory = BuildInventory(&Validator{})
	}

	values := make(map[string]string, len(inventory))
	var missing []string
	for _, step := range inventory {
		path := cfg.SSM.SSMPath(step.SSMCategoryKey)
		value, err := cfg.SSM.GetParameterValue(ctx, path, step.ParamType == ParamSecureString)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			missing = append(missing, step.EnvVar)
			fmt.Fprintf(cfg.Stderr, "  [MISSING] %s (%s)\n", step.EnvVar, path)
			continue
		}
		values[step.EnvVar] = value
		fmt.Fprintf(cfg.Stderr, "  [EXPORTED] %s\n", step.EnvVar)
	}

	if len(values) == 0 {
		return errors.New("no SSM parameters could be read; nothing to export")
	}

	secrets, err := godotenv.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding env file: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# notifyd local environment exported from SSM (%s)\n", cfg.Environment)
	fmt.Fprintf(&b, "# Generated %s. Do not commit this file.\n\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString(secrets)
	b.WriteByte('\n')

	if cfg.IncludeLocalDefaults {
		defaults, err := godotenv.Marshal(localDefaults)
		if err != nil {
			return fmt.Errorf("encoding env file: %w", err)
		}
		b.WriteString("\n# Local defaults\n")
		b.WriteString(defaults)
		b.WriteByte('\n')
	}

	if err := os.WriteFile(cfg.OutputPath, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.OutputPath, err)
	}

	if len(missing) > 0 {
		fmt.Fprintf(cfg.Stderr, "  %d parameter(s) missing: %s\n", len(missing), strings.Join(missing, ", "))
	}
	return nil
}
