package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError carries the stage at which LoadConfig failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SecretProvider resolves secret values by key. Keys it cannot find are left
// out of the returned map rather than reported as an error.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

const (
	// ssmParamSuffix marks pointer variables: CRM_API_KEY_SSM_PARAM holds the
	// parameter path whose value becomes CRM_API_KEY.
	ssmParamSuffix = "_SSM_PARAM"

	// localEnv is the APP_ENV value that never contacts SSM.
	localEnv = "local"

	ssmResolveTimeout = 30 * time.Second
)

// loaderDeps abstracts the process environment so tests can run against a map.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{lookupEnv: os.LookupEnv, setEnv: os.Setenv, environ: os.Environ}
}

// LoadConfig builds the relay configuration from, in decreasing priority, the
// process environment, a .env file in the working directory and SSM
// parameters referenced by *_SSM_PARAM variables. SSM is skipped entirely when
// APP_ENV is "local", so provider may be nil there.
//
// The returned Config is validated and has CRM.BaseURL resolved from the
// data-residency flag.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// Existing variables are never overwritten; a missing file is fine.
	_ = godotenv.Load()

	if env, _ := deps.lookupEnv("APP_ENV"); env != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finalize validates struct tags and derives fields that depend on more than
// one variable.
func finalize(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	baseURL, err := ResolveBaseURL(cfg.CRM.UseEuropeanDataStorage, cfg.CRM.BaseURLOverride)
	if err != nil {
		return &ConfigError{Type: ErrValidation, Message: "invalid CRM region selection", Err: err}
	}
	cfg.CRM.BaseURL = baseURL
	return nil
}

// ssmBinding pairs an unset variable with the parameter path that fills it.
type ssmBinding struct {
	target string
	path   string
}

// collectSSMBindings returns one binding per non-empty *_SSM_PARAM variable
// whose target is not already set. The result is sorted by target so error
// messages are stable.
func collectSSMBindings(deps loaderDeps) []ssmBinding {
	var out []ssmBinding
	for _, kv := range deps.environ() {
		key, path, ok := strings.Cut(kv, "=")
		if !ok || path == "" || !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		out = append(out, ssmBinding{target: target, path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].target < out[j].target })
	return out
}

func bindingTargets(bindings []ssmBinding) string {
	names := make([]string, len(bindings))
	for i, b := range bindings {
		names[i] = b.target
	}
	return strings.Join(names, ", ")
}

// resolveSSMParams fetches every pending binding in one batch and exports the
// values so envconfig sees them. Any binding left unresolved is an error.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	bindings := collectSSMBindings(deps)
	if len(bindings) == 0 {
		return nil
	}
	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "no secret provider configured to resolve " + bindingTargets(bindings),
		}
	}

	paths := make([]string, len(bindings))
	for i, b := range bindings {
		paths[i] = b.path
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("fetching %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []ssmBinding
	for _, b := range bindings {
		v, ok := values[b.path]
		if !ok {
			missing = append(missing, b)
			continue
		}
		if err := deps.setEnv(b.target, v); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "exporting " + b.target, Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SSM parameters not found for " + bindingTargets(missing),
		}
	}
	return nil
}
