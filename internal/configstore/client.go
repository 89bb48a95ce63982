package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"golang.org/x/sync/singleflight"

	"animalchat-engine/internal/domain"
)

// ErrNotFound is returned when no persona document exists for the requested
// id. Callers surface it as a caller-fixable condition, not an outage.
var ErrNotFound = errors.New("configstore: persona config not found")

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Client reads persona configuration documents from SSM Parameter Store.
// Persona JSON lives at "<prefix>/personas/<personaId>". Reads go through a
// bounded TTL cache; concurrent misses for the same persona collapse into a
// single upstream fetch.
type Client struct {
	api    ssmAPI
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cacheEntry

	now func() time.Time // test seam
}

type cacheEntry struct {
	cfg       domain.PersonaConfig
	fetchedAt time.Time
}

// New creates a Client. A zero ttl disables caching entirely; a nil logger
// falls back to slog.Default().
func New(api ssmAPI, prefix string, ttl time.Duration, logger *slog.Logger) (*Client, error) {
	if api == nil {
		return nil, errors.New("configstore: api must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("configstore: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}, nil
}

// GetParameter fetches one decrypted parameter value by full name. Used by
// the OpenAI client for its API token.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("configstore: parameter name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("configstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("configstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// GetPersonaConfig returns the live persona config for personaID. Values are
// cached for the configured TTL; a transient fetch failure is retried once
// before the miss is reported.
func (c *Client) GetPersonaConfig(ctx context.Context, personaID string) (domain.PersonaConfig, error) {
	personaID = strings.TrimSpace(personaID)
	if personaID == "" {
		return domain.PersonaConfig{}, errors.New("configstore: personaId is required")
	}

	if cfg, ok := c.cached(personaID); ok {
		return cfg, nil
	}

	v, err, _ := c.group.Do(personaID, func() (any, error) {
		cfg, err := c.fetchPersona(ctx, personaID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Warn("persona config fetch failed, retrying once",
				"personaId", personaID, "err", err)
			cfg, err = c.fetchPersona(ctx, personaID)
		}
		if err != nil {
			return domain.PersonaConfig{}, err
		}
		c.store(personaID, cfg)
		return cfg, nil
	})
	if err != nil {
		return domain.PersonaConfig{}, err
	}
	return v.(domain.PersonaConfig), nil
}

func (c *Client) cached(personaID string) (domain.PersonaConfig, bool) {
	if c.ttl <= 0 {
		return domain.PersonaConfig{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[personaID]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return domain.PersonaConfig{}, false
	}
	return entry.cfg, true
}

func (c *Client) store(personaID string, cfg domain.PersonaConfig) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[personaID] = cacheEntry{cfg: cfg, fetchedAt: c.now()}
}

func (c *Client) fetchPersona(ctx context.Context, personaID string) (domain.PersonaConfig, error) {
	raw, err := c.GetParameter(ctx, c.personaParameterName(personaID))
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return domain.PersonaConfig{}, fmt.Errorf("%w: %s", ErrNotFound, personaID)
		}
		return domain.PersonaConfig{}, err
	}

	var cfg domain.PersonaConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return domain.PersonaConfig{}, fmt.Errorf("configstore: decode persona %q: %w", personaID, err)
	}
	if cfg.PersonaID == "" {
		cfg.PersonaID = personaID
	}
	if err := cfg.Validate(); err != nil {
		return domain.PersonaConfig{}, fmt.Errorf("configstore: persona %q invalid: %w", personaID, err)
	}
	return cfg, nil
}

func (c *Client) personaParameterName(personaID string) string {
	return c.prefix + "/personas/" + personaID
}
