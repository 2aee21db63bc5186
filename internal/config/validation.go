package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// validSSLModes lists the sslmode values accepted by PostgreSQL.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. API key validation for the selected provider.
	// Keys are read directly by the Genkit plugins, not via Viper.
	switch c.Provider {
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	case ProviderOllama:
		// Local provider, no key required.
	default:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey)
		}
	}

	// 2. Model configuration
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// 3. Pipeline configuration
	if c.MaxCandidates < 1 || c.MaxCandidates > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidCandidateLimit, c.MaxCandidates)
	}
	if c.RetrievalTimeout <= 0 {
		return fmt.Errorf("%w: retrieval_timeout must be positive, got %s", ErrInvalidTimeout, c.RetrievalTimeout)
	}
	if c.ModelTimeout <= 0 {
		return fmt.Errorf("%w: model_timeout must be positive, got %s", ErrInvalidTimeout, c.ModelTimeout)
	}
	if c.SimilarThreshold < 0 || c.SimilarThreshold > 1 {
		return fmt.Errorf("%w: must be between 0 and 1, got %.3f", ErrInvalidThreshold, c.SimilarThreshold)
	}

	// 4. PostgreSQL configuration
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "recall_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not a valid sslmode", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	return nil
}
