package config

import "context"

// SecretProvider resolves _SSM_PARAM pointers to plaintext values.
// SSMProvider is used outside local environments; EnvVarProvider reads the
// process environment.
type SecretProvider interface {
	// GetParametersBatch returns key -> plaintext for every key it could
	// resolve. Missing keys are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
