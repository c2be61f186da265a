package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	// EnvConfigPath points at the engine YAML file.
	EnvConfigPath = "ASR_CONFIG_PATH"
	// EnvRedisAddr enables the shared Redis status store.
	EnvRedisAddr = "ASR_REDIS_ADDR"
	// EnvRedisPasswordRef is a secret ref for the Redis password.
	EnvRedisPasswordRef = "ASR_REDIS_PASSWORD_REF"
	// EnvRedisDB selects the Redis logical database.
	EnvRedisDB = "ASR_REDIS_DB"
	// EnvAuditSQLitePath enables the SQLite audit store.
	EnvAuditSQLitePath = "ASR_AUDIT_SQLITE_PATH"
	// EnvAuditPostgresDSN enables the Postgres audit store; it wins over SQLite.
	EnvAuditPostgresDSN = "ASR_AUDIT_POSTGRES_DSN"
	// EnvAuditJSONLPath enables the append-only JSONL audit log when no SQL store is set.
	EnvAuditJSONLPath = "ASR_AUDIT_JSONL_PATH"
)

// Runtime captures env-configured process wiring.
type Runtime struct {
	ConfigPath       string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	AuditSQLitePath  string
	AuditPostgresDSN string
	AuditJSONLPath   string
}

// RuntimeFromEnv parses process wiring from the environment.
func RuntimeFromEnv() (Runtime, error) {
	return RuntimeFromLookup(os.LookupEnv)
}

// RuntimeFromLookup parses process wiring through lookup.
func RuntimeFromLookup(lookup LookupFunc) (Runtime, error) {
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}
	rt := Runtime{
		ConfigPath:       get(EnvConfigPath),
		RedisAddr:        get(EnvRedisAddr),
		AuditSQLitePath:  get(EnvAuditSQLitePath),
		AuditPostgresDSN: get(EnvAuditPostgresDSN),
		AuditJSONLPath:   get(EnvAuditJSONLPath),
	}
	if raw := get(EnvRedisDB); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil || db < 0 {
			return Runtime{}, fmt.Errorf("%s must be a non-negative integer: %q", EnvRedisDB, raw)
		}
		rt.RedisDB = db
	}
	password, err := ResolveOptionalSecret(get(EnvRedisPasswordRef), lookup)
	if err != nil {
		return Runtime{}, fmt.Errorf("%s: %w", EnvRedisPasswordRef, err)
	}
	rt.RedisPassword = password
	return rt, nil
}
