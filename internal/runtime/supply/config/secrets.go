package config

import (
	"fmt"
	"os"
	"strings"
)

const envSecretRefPrefix = "env://"

// LookupFunc reads one environment-style variable.
type LookupFunc func(name string) (string, bool)

// ResolveSecretRef resolves "env://NAME" or "NAME" from the process environment.
func ResolveSecretRef(ref string) (string, error) {
	return ResolveSecretRefWithLookup(ref, os.LookupEnv)
}

// ResolveSecretRefWithLookup resolves a secret reference through lookup.
func ResolveSecretRefWithLookup(ref string, lookup LookupFunc) (string, error) {
	name, err := secretRefName(ref)
	if err != nil {
		return "", err
	}
	if lookup == nil {
		return "", fmt.Errorf("secret lookup function is required")
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("secret_ref %q resolved empty value", name)
	}
	return value, nil
}

// ResolveOptionalSecret returns "" for an empty ref and the resolved value otherwise.
func ResolveOptionalSecret(ref string, lookup LookupFunc) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", nil
	}
	return ResolveSecretRefWithLookup(ref, lookup)
}

// RedactSecret masks non-empty secret material for logs and CLI output.
func RedactSecret(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "***redacted***"
}

func secretRefName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("secret_ref is required")
	}
	name := trimmed
	if strings.HasPrefix(trimmed, envSecretRefPrefix) {
		name = strings.TrimSpace(strings.TrimPrefix(trimmed, envSecretRefPrefix))
		if name == "" {
			return "", fmt.Errorf("secret_ref %q is missing env var name", ref)
		}
	} else if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("secret_ref %q uses unsupported scheme", ref)
	}
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
	}
	return name, nil
}
