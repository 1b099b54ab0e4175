package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// resolveSecrets replaces secret fields written as "env(NAME)" with the
// value of that environment variable, so a config file can name a secret
// without containing it.
func (c *Config) resolveSecrets() error {
	var errs []error
	for field, p := range c.secretFields() {
		v, err := resolveRef(*p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			continue
		}
		*p = v
	}
	return errors.Join(errs...)
}

// Secrets returns the configured secret values, for log redaction.
func (c *Config) Secrets() []string {
	var out []string
	for _, p := range c.secretFields() {
		if *p != "" {
			out = append(out, *p)
		}
	}
	if pw := dsnPassword(c.Postgres.DSN); pw != "" {
		out = append(out, pw)
	}
	// A key list also shows up one key at a time in logged headers.
	if strings.Contains(c.HTTP.APIKey, ",") {
		for _, k := range strings.Split(c.HTTP.APIKey, ",") {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}

func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"security.secret": &c.Security.Secret,
		"http.api_key":    &c.HTTP.APIKey,
		"etcd.password":   &c.Etcd.Password,
		"postgres.dsn":    &c.Postgres.DSN,
	}
}

func resolveRef(v string) (string, error) {
	if !strings.HasPrefix(v, "env(") || !strings.HasSuffix(v, ")") {
		return v, nil
	}
	name := v[4 : len(v)-1]
	if name == "" {
		return "", errors.New("empty env() reference")
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}

// dsnPassword extracts the password from a postgres:// URL DSN.
func dsnPassword(dsn string) string {
	_, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return ""
	}
	userinfo, _, ok := strings.Cut(rest, "@")
	if !ok {
		return ""
	}
	_, pw, _ := strings.Cut(userinfo, ":")
	return pw
}
