package secrets

import (
	"context"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/internal/store"
)

// templatePattern matches {{ user.env.NAME }} with tolerant whitespace.
// Only this exact prefix is recognised; anything else passes through.
var templatePattern = regexp.MustCompile(`\{\{\s*user\.env\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Resolver decrypts user secrets and resolves them into environments,
// API keys and config templates.
type Resolver struct {
	users     store.UserRepository
	keys      *MasterKeyProvider
	globalAPI map[string]string // vendor -> key, from daemon config
	logger    *logger.Logger
}

// NewResolver creates a resolver. globalAPIKeys carries daemon-level
// vendor keys used when a user has none of their own.
func NewResolver(users store.UserRepository, keys *MasterKeyProvider, globalAPIKeys map[string]string, log *logger.Logger) *Resolver {
	return &Resolver{
		users:     users,
		keys:      keys,
		globalAPI: globalAPIKeys,
		logger:    log.WithFields(zap.String("component", "secrets")),
	}
}

// SealValue encrypts a plaintext for storage on a user record.
func (r *Resolver) SealValue(plaintext string) (store.EncryptedValue, error) {
	return Seal(plaintext, r.keys.Key())
}

// userEnv decrypts the user's env-var map. Values that fail to decrypt
// are skipped with a warning rather than failing the whole map.
func (r *Resolver) userEnv(ctx context.Context, userID string) map[string]string {
	u, err := r.users.FindByID(ctx, userID)
	if err != nil {
		r.logger.Warn("Failed to load user for env resolution",
			zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	out := make(map[string]string, len(u.EnvVars))
	for name, sealed := range u.EnvVars {
		plain, err := Open(sealed, r.keys.Key())
		if err != nil {
			r.logger.Warn("Failed to decrypt env var",
				zap.String("user_id", userID),
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		out[name] = plain
	}
	return out
}

// ResolveEnv returns the environment an agent subprocess should run
// with: the daemon's process env at lowest precedence, the user's
// encrypted env vars at highest.
func (r *Resolver) ResolveEnv(ctx context.Context, userID string) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for name, value := range r.userEnv(ctx, userID) {
		env[name] = value
	}
	return env
}

// ResolveAPIKey returns the vendor API key for a user.
// Precedence: per-user > global config > process env (VENDOR_API_KEY).
func (r *Resolver) ResolveAPIKey(ctx context.Context, vendor, userID string) string {
	if userID != "" {
		u, err := r.users.FindByID(ctx, userID)
		if err == nil {
			if sealed, ok := u.APIKeys[vendor]; ok {
				plain, err := Open(sealed, r.keys.Key())
				if err == nil {
					return plain
				}
				r.logger.Warn("Failed to decrypt API key",
					zap.String("user_id", userID),
					zap.String("vendor", vendor),
					zap.Error(err))
			}
		}
	}
	if key, ok := r.globalAPI[vendor]; ok && key != "" {
		return key
	}
	envName := strings.ToUpper(strings.ReplaceAll(vendor, "-", "_")) + "_API_KEY"
	return os.Getenv(envName)
}

// ResolveTemplates substitutes {{ user.env.NAME }} references in s with
// the user's decrypted values. Unknown names resolve to the empty
// string and emit a warning.
func (r *Resolver) ResolveTemplates(ctx context.Context, s, userID string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	env := r.userEnv(ctx, userID)
	return templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		name := templatePattern.FindStringSubmatch(match)[1]
		value, ok := env[name]
		if !ok {
			r.logger.Warn("Unknown env var in template",
				zap.String("user_id", userID),
				zap.String("name", name))
			return ""
		}
		return value
	})
}

// ResolveTemplateMap applies ResolveTemplates to every value of m.
func (r *Resolver) ResolveTemplateMap(ctx context.Context, m map[string]string, userID string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.ResolveTemplates(ctx, v, userID)
	}
	return out
}
