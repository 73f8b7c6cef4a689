// Package registry implements the Registry Adapter (C2): a retrying,
// caching client for the external stack registry (Portainer or
// compatible), plus the env-reference resolution spec.md §4.2 requires
// before credentials can be extracted from a stack's env.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vaultkeeper/pkg/log"
	"github.com/cuemby/vaultkeeper/pkg/types"
	"github.com/rs/zerolog"
)

// StackRegistry is the capability the core consumes for stack discovery
// and env resolution. GetStackEnv never errors for an unknown stack
// name; it returns an empty map instead.
type StackRegistry interface {
	ListStacks(ctx context.Context) (map[string]string, error)
	GetStackEnv(ctx context.Context, name string, stacks map[string]string) (map[string]string, error)
}

// Config configures a PortainerRegistry.
type Config struct {
	URL            string
	APIKey         string
	Insecure       bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryTotal     int
	RetryBackoff   time.Duration
	CacheTTL       time.Duration
}

// DefaultConfig returns the documented defaults for registry tuning.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		RetryTotal:     3,
		RetryBackoff:   500 * time.Millisecond,
		CacheTTL:       300 * time.Second,
	}
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// PortainerRegistry talks to a Portainer-shaped stack API with bounded
// retries and a read-through TTL cache. The cache is safe for
// concurrent use: the Backup Manager's worker pool calls GetStackEnv
// from every worker goroutine (spec.md §5).
type PortainerRegistry struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu        sync.RWMutex
	stackList cacheEntry          // caches ListStacks' map(name->id) under key ""
	envCache  map[string]cacheEntry // per-stack-name resolved env
}

// NewPortainerRegistry creates a registry client. cfg.URL and cfg.APIKey
// are required; PORTAINER_URL/PORTAINER_API_KEY must be set by the
// caller (cmd/vaultkeeper) or construction fails fast at startup.
func NewPortainerRegistry(cfg Config) (*PortainerRegistry, error) {
	if cfg.URL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: PORTAINER_URL and PORTAINER_API_KEY are required", types.ErrConfigInvalid)
	}
	if cfg.RetryTotal <= 0 {
		cfg.RetryTotal = DefaultConfig().RetryTotal
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	transport := &http.Transport{}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &PortainerRegistry{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		logger:   log.WithComponent("registry"),
		envCache: make(map[string]cacheEntry),
	}, nil
}

// ListStacks returns the registry's stack name -> id map, cached for
// CacheTTL.
func (r *PortainerRegistry) ListStacks(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	if entry, ok := r.getCached(r.stackList); ok {
		r.mu.RUnlock()
		return entry, nil
	}
	r.mu.RUnlock()

	body, err := r.doWithRetries(ctx, http.MethodGet, "/api/stacks", nil)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ID   int    `json:"Id"`
		Name string `json:"Name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse stacks response: %w", err)
	}

	stacks := make(map[string]string, len(raw))
	for _, s := range raw {
		stacks[s.Name] = fmt.Sprintf("%d", s.ID)
	}

	r.mu.Lock()
	r.stackList = cacheEntry{value: stacks, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
	r.mu.Unlock()

	return stacks, nil
}

// GetStackEnv fetches and resolves one stack's environment variables.
// A name absent from stacks returns an empty map and no error.
func (r *PortainerRegistry) GetStackEnv(ctx context.Context, name string, stacks map[string]string) (map[string]string, error) {
	id, ok := stacks[name]
	if !ok {
		return map[string]string{}, nil
	}

	r.mu.RLock()
	if entry, ok := r.getCached(r.envCache[name]); ok {
		r.mu.RUnlock()
		return entry, nil
	}
	r.mu.RUnlock()

	body, err := r.doWithRetries(ctx, http.MethodGet, "/api/stacks/"+id, nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Env []json.RawMessage `json:"Env"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse stack response: %w", err)
	}

	env := make(map[string]string, len(raw.Env))
	for _, item := range raw.Env {
		// Accept both "K=V" strings and {"name":K,"value":V} objects.
		var asString string
		if err := json.Unmarshal(item, &asString); err == nil {
			if k, v, ok := strings.Cut(asString, "="); ok {
				env[k] = v
			}
			continue
		}
		var asObject struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(item, &asObject); err == nil && asObject.Name != "" {
			env[asObject.Name] = asObject.Value
		}
	}

	resolved := ResolveEnvReferences(env)

	r.mu.Lock()
	r.envCache[name] = cacheEntry{value: resolved, expiresAt: time.Now().Add(r.cfg.CacheTTL)}
	r.mu.Unlock()

	return resolved, nil
}

func (r *PortainerRegistry) getCached(entry cacheEntry) (map[string]string, bool) {
	if entry.value == nil || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// doWithRetries performs one HTTP call with bounded-attempt exponential
// backoff on connect/read timeout and 5xx/429, per spec.md §4.2.
func (r *PortainerRegistry) doWithRetries(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	var lastErr error
	backoff := r.cfg.RetryBackoff

	for attempt := 0; attempt <= r.cfg.RetryTotal; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		reqCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout+r.cfg.ReadTimeout)
		req, err := http.NewRequestWithContext(reqCtx, method, r.cfg.URL+path, body)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("X-API-Key", r.cfg.APIKey)

		resp, err := r.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			r.logger.Warn().Err(err).Int("attempt", attempt).Str("path", path).Msg("registry request failed, retrying")
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("registry returned status %d", resp.StatusCode)
			r.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Str("path", path).Msg("registry returned retryable status")
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
		}
		if readErr != nil {
			lastErr = readErr
			continue
		}
		return respBody, nil
	}

	return nil, fmt.Errorf("%w: %v", types.ErrRegistryUnavailable, lastErr)
}
