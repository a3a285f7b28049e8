package rpdispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// PersistentConnectionMode is the formatter mode that keeps one connection
// bound to the service origin for all requests
const PersistentConnectionMode = "use_persistent_connection"

// APIVersionPrefix is the path prefix of the service project API
const APIVersionPrefix = "/api/v1/"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrInvalidSettings is returned when settings fail validation
var ErrInvalidSettings = errors.New("invalid settings")

// Settings holds the connection parameters of the reporting service.
// A Settings value is read-only once handed to a Dispatcher.
type Settings struct {
	// Endpoint is the base URL of the service, e.g. https://rp.example.com
	Endpoint string `yaml:"endpoint"`

	// Project is the service project the reports belong to
	Project string `yaml:"project"`

	// UUID is the bearer token used to authorize every request
	UUID string `yaml:"uuid"`

	// DisableSSLVerification skips TLS certificate verification when true.
	// Nil leaves the transport default in place.
	DisableSSLVerification *bool `yaml:"disable_ssl_verification"`

	// FormatterModes is the set of enabled feature flags
	FormatterModes []string `yaml:"formatter_modes"`
}

// LoadSettings reads settings from a YAML file. ${VAR} references are expanded
// from the environment and RP_* variables override values from the file.
func LoadSettings(path string) (Settings, error) {
	var s Settings

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings file %q: %w", path, err)
	}

	data = expandEnvVars(data)
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file %q: %w", path, err)
	}

	s, err = s.WithEnvOverrides(os.LookupEnv)
	if err != nil {
		return s, err
	}

	return s, nil
}

// expandEnvVars replaces ${VAR} placeholders with environment values.
// Unset variables are left in place and rejected by Validate.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if value, ok := os.LookupEnv(string(name)); ok {
			return []byte(value)
		}
		return match
	})
}

// WithEnvOverrides returns a copy of s with RP_ENDPOINT, RP_PROJECT, RP_UUID,
// RP_DISABLE_SSL_VERIFICATION and RP_FORMATTER_MODES applied on top
func (s Settings) WithEnvOverrides(lookup func(string) (string, bool)) (Settings, error) {
	if v, ok := lookup("RP_ENDPOINT"); ok {
		s.Endpoint = v
	}
	if v, ok := lookup("RP_PROJECT"); ok {
		s.Project = v
	}
	if v, ok := lookup("RP_UUID"); ok {
		s.UUID = v
	}
	if v, ok := lookup("RP_DISABLE_SSL_VERIFICATION"); ok {
		disable, err := strconv.ParseBool(v)
		if err != nil {
			return s, fmt.Errorf("%w: RP_DISABLE_SSL_VERIFICATION: %w", ErrInvalidSettings, err)
		}
		s.DisableSSLVerification = &disable
	}
	if v, ok := lookup("RP_FORMATTER_MODES"); ok {
		s.FormatterModes = nil
		for _, mode := range strings.Split(v, ",") {
			if mode = strings.TrimSpace(mode); mode != "" {
				s.FormatterModes = append(s.FormatterModes, mode)
			}
		}
	}

	return s, nil
}

// Validate checks that the settings can be used to reach the service
func (s Settings) Validate() error {
	fields := []struct{ name, value string }{
		{"endpoint", s.Endpoint},
		{"project", s.Project},
		{"uuid", s.UUID},
	}
	for _, f := range fields {
		if m := envVarPattern.FindStringSubmatch(f.value); m != nil {
			return fmt.Errorf("%w: %s: environment variable ${%s} is not set", ErrInvalidSettings, f.name, m[1])
		}
	}

	if s.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSettings)
	}
	if _, err := s.Origin(); err != nil {
		return err
	}
	if s.Project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidSettings)
	}
	if strings.Contains(s.Project, "/") {
		return fmt.Errorf("%w: project %q must be a single path segment", ErrInvalidSettings, s.Project)
	}
	if s.UUID == "" {
		return fmt.Errorf("%w: uuid is required", ErrInvalidSettings)
	}

	if _, err := uuid.Parse(s.UUID); err != nil {
		slog.Warn("Access token is not a UUID, sending it as is", "project", s.Project)
	}

	return nil
}

// Origin returns the scheme, host and port of the endpoint
func (s Settings) Origin() (string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: endpoint %q: %w", ErrInvalidSettings, s.Endpoint, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: endpoint %q must be an absolute http(s) URL", ErrInvalidSettings, s.Endpoint)
	}

	return scheme + "://" + strings.ToLower(u.Host), nil
}

// UsePersistentConnection reports whether the persistent connection mode is enabled
func (s Settings) UsePersistentConnection() bool {
	return slices.Contains(s.FormatterModes, PersistentConnectionMode)
}

// InsecureSkipVerify reports whether TLS certificate verification is disabled
func (s Settings) InsecureSkipVerify() bool {
	return s.DisableSSLVerification != nil && *s.DisableSSLVerification
}

// ProjectPath prefixes path with the project API prefix
func (s Settings) ProjectPath(path string) string {
	return APIVersionPrefix + url.PathEscape(s.Project) + "/" + strings.TrimPrefix(path, "/")
}
