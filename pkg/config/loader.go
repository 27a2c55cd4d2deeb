package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
)

// Load reads a YAML or JSON config file, substitutes ${VAR} environment
// references, applies QUASAR_* environment overrides, and validates the
// result. The format is chosen by file extension; anything that is not
// .json parses as YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading config file")
	}

	content := substituteEnvVars(string(raw))

	cfg := NewConfig()
	if isJSONPath(path) {
		if err := json.Unmarshal([]byte(content), cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing config JSON")
		}
	} else {
		if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing config YAML")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to path in the same format it was loaded
// from. The tap calls this when the identity provider rotates the refresh
// token, so the next run authenticates with the current credential.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isJSONPath(path) {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "encoding config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "writing config file")
	}
	return nil
}

func isJSONPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// substituteEnvVars replaces ${VAR} references with environment values.
// Unset variables become empty strings.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}

// applyEnvOverrides lets QUASAR_* environment variables take precedence
// over file values for credentials and endpoint settings, so secrets can
// stay out of config files entirely. QUASAR_OAUTH_CLIENT_SECRET overrides
// oauth.client_secret and so on.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("QUASAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setIfPresent := func(target *string, key string) {
		if val := v.GetString(key); val != "" {
			*target = val
		}
	}

	setIfPresent(&cfg.API.OrganizationURI, "api.organization_uri")
	setIfPresent(&cfg.API.UserAgent, "api.user_agent")
	setIfPresent(&cfg.OAuth.TokenURL, "oauth.token_url")
	setIfPresent(&cfg.OAuth.ClientID, "oauth.client_id")
	setIfPresent(&cfg.OAuth.ClientSecret, "oauth.client_secret")
	setIfPresent(&cfg.OAuth.RedirectURI, "oauth.redirect_uri")
	setIfPresent(&cfg.OAuth.RefreshToken, "oauth.refresh_token")
	setIfPresent(&cfg.Sync.StartDate, "sync.start_date")
	setIfPresent(&cfg.Observability.LogLevel, "observability.log_level")
}
