package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// knownProtocols are the schemes a whitelist rule may permit.
var knownProtocols = map[string]bool{"http": true, "https": true}

// Validate checks the config using struct tags plus cross-field rules.
// It is called after SetDefaults, so zero values never trip the tags.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for i, e := range c.Whitelist {
		for _, p := range e.Protocols {
			if !knownProtocols[strings.ToLower(p)] {
				return fmt.Errorf("whitelist[%d] (%s): unknown protocol %q (use http or https)",
					i, e.Domain, p)
			}
		}
		if e.RateLimitRPM < 0 {
			return fmt.Errorf("whitelist[%d] (%s): rate_limit_rpm must not be negative", i, e.Domain)
		}
	}

	if c.Proxy.Port == c.DNS.Port {
		return fmt.Errorf("proxy.port and dns.port must differ (both %d)", c.Proxy.Port)
	}

	return nil
}

// formatValidationErrors converts validator errors into actionable
// messages naming the offending config key.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		key := yamlKeyFor(fe.Namespace())
		switch fe.Tag() {
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", key, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", key, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", key, fe.Param()))
		case "hostname_rfc1123":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid hostname (got %q)", key, fe.Value()))
		case "hostname_port":
			msgs = append(msgs, fmt.Sprintf("%s must be host:port (got %q)", key, fe.Value()))
		case "ip":
			msgs = append(msgs, fmt.Sprintf("%s must be an IP address (got %q)", key, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", key, fe.Tag()))
		}
	}

	return fmt.Errorf("config validation: %s", strings.Join(msgs, "; "))
}

// yamlKeyFor maps a validator namespace like "Config.Proxy.Port" to the
// YAML key the user actually wrote ("proxy.port").
func yamlKeyFor(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the struct name
	}
	for i, p := range parts {
		parts[i] = camelToSnake(p)
	}
	return strings.Join(parts, ".")
}

func camelToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			// Underscore only at a lower-to-upper boundary so acronym runs
			// like RPM stay together.
			if i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
