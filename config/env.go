package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
)

type envBinding struct {
	name string
	path string
	kind valueKind
}

// envTable lists every recognised environment variable and the config path it
// sets.
var envTable = []envBinding{
	{"APP_ENV", "app.env", kindString},
	{"APP_ADDRESS", "app.address", kindString},
	{"LOG_LEVEL", "app.log_level", kindString},
	{"LOG_FORMAT", "app.log_format", kindString},

	{"DATABASE_DRIVER", "database.driver", kindString},
	{"DATABASE_URL", "database.dsn", kindString},
	{"DATABASE_DEBUG", "database.debug", kindBool},

	{"GITHUB_OWNER", "github.owner", kindString},
	{"GITHUB_REPO", "github.repo", kindString},
	{"GITHUB_TOKEN", "github.token", kindString},
	{"GITHUB_WEBHOOK_SECRET", "github.webhook_secret", kindString},
	{"GITHUB_API_BASE_URL", "github.api_base_url", kindString},
	{"BRIDGE_COMMENT_MARKER", "github.comment_marker", kindString},

	{"GRAPH_TENANT_ID", "graph.tenant_id", kindString},
	{"GRAPH_CLIENT_ID", "graph.client_id", kindString},
	{"GRAPH_CLIENT_SECRET", "graph.client_secret", kindString},
	{"GRAPH_SUPPORT_MAILBOX", "graph.support_mailbox", kindString},
	{"GRAPH_CLIENT_STATE", "graph.client_state", kindString},
	{"GRAPH_NOTIFICATION_URL", "graph.notification_url", kindString},
	{"GRAPH_SUBSCRIPTION_ID", "graph.subscription_id", kindString},
	{"GRAPH_SUBSCRIPTION_RESOURCE", "graph.subscription_resource", kindString},
	{"GRAPH_SUBSCRIPTION_LIFETIME_MINUTES", "graph.subscription_lifetime_minutes", kindInt},
	{"GRAPH_SUBSCRIPTION_RENEWAL_WINDOW_MINUTES", "graph.renewal_window_minutes", kindInt},
	{"GRAPH_API_BASE_URL", "graph.api_base_url", kindString},
	{"GRAPH_TOKEN_URL", "graph.token_url", kindString},

	{"BRIDGE_TOKEN_SECRET", "token.secret", kindString},
	{"BRIDGE_TOKEN_MAX_AGE_SECONDS", "token.max_age_seconds", kindInt},

	{"RETRY_QUEUE_MAX_ATTEMPTS", "retry.max_attempts", kindInt},
	{"RETRY_QUEUE_BASE_DELAY_SECONDS", "retry.base_delay_seconds", kindInt},
	{"RETRY_QUEUE_MAX_DELAY_SECONDS", "retry.max_delay_seconds", kindInt},
	{"RETRY_WORKER_BATCH_SIZE", "retry.batch_size", kindInt},
	{"RETRY_CLAIM_GRACE_SECONDS", "retry.claim_grace_seconds", kindInt},

	{"API_RETRY_MAX_ATTEMPTS", "api.max_attempts", kindInt},
	{"API_RETRY_BASE_DELAY_SECONDS", "api.base_delay_seconds", kindInt},
	{"API_RETRY_MAX_DELAY_SECONDS", "api.max_delay_seconds", kindInt},
	{"API_TIMEOUT_SECONDS", "api.timeout_seconds", kindInt},

	{"ALERT_WEBHOOK_URL", "alerts.webhook_url", kindString},
	{"ALERT_EMAIL_TO", "alerts.email_to", kindString},
	{"ALERT_SUBJECT_PREFIX", "alerts.subject_prefix", kindString},
	{"ALERT_REDIS_URL", "alerts.redis_url", kindString},
	{"ALERT_REDIS_STREAM", "alerts.redis_stream", kindString},

	{"THREAD_CACHE_TTL_SECONDS", "cache.thread_ttl_seconds", kindInt},
}

// EnvVars returns the recognised environment variable names in table order.
func EnvVars() []string {
	out := make([]string, 0, len(envTable))
	for _, binding := range envTable {
		out = append(out, binding.name)
	}
	return out
}

// EnvLoader reads configuration from the environment. Values in Files fill
// only variables the process environment does not set. Missing files are
// skipped.
type EnvLoader struct {
	Files  []string
	Lookup func(string) (string, bool)
}

func NewEnvLoader(files ...string) *EnvLoader {
	return &EnvLoader{Files: files, Lookup: os.LookupEnv}
}

func (l *EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := os.LookupEnv
	var files []string
	if l != nil {
		files = l.Files
		if l.Lookup != nil {
			lookup = l.Lookup
		}
	}

	fileValues := map[string]string{}
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: read env file %s: %w", file, err)
		}
		for key, value := range values {
			if _, seen := fileValues[key]; !seen {
				fileValues[key] = value
			}
		}
	}

	out := map[string]any{}
	for _, binding := range envTable {
		raw, ok := lookup(binding.name)
		if !ok {
			raw, ok = fileValues[binding.name]
		}
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		value, err := binding.parse(raw)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", binding.name, err)
		}
		setPath(out, binding.path, value)
	}
	return out, nil
}

func (b envBinding) parse(raw string) (any, error) {
	switch b.kind {
	case kindInt:
		if value, err := strconv.Atoi(raw); err == nil {
			return value, nil
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return int(value), nil
	case kindBool:
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected a boolean, got %q", raw)
		}
		return value, nil
	}
	return raw, nil
}

func setPath(target map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := target
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
