package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// JWKSCache fetches and caches a remote JSON Web Key Set, refreshing on
// miss or staleness and serving stale keys when a refresh fails.
type JWKSCache struct {
	url      string
	http     *http.Client
	cacheTTL time.Duration

	mu        sync.RWMutex
	keysByKID map[string]interface{}
	lastFetch time.Time
}

// NewJWKSCache creates a cache for the given endpoint. A zero cacheTTL
// refetches on every lookup.
func NewJWKSCache(url string, httpClient *http.Client, cacheTTL time.Duration) *JWKSCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 1500 * time.Millisecond}
	}
	return &JWKSCache{
		url:       url,
		http:      httpClient,
		cacheTTL:  cacheTTL,
		keysByKID: map[string]interface{}{},
	}
}

// Refresh fetches the key set eagerly. Call once at startup to fail
// fast on a misconfigured endpoint.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("jwks status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return err
	}
	keys := map[string]interface{}{}
	for _, k := range set.Keys {
		if k.Key == nil {
			continue
		}
		kid := strings.TrimSpace(k.KeyID)
		if kid == "" {
			continue
		}
		keys[kid] = k.Key
	}
	if len(keys) == 0 {
		return errors.New("jwks contained no usable keys")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keysByKID = keys
	c.lastFetch = time.Now().UTC()
	return nil
}

// Get resolves a key by kid, refreshing when the cache is stale or the
// kid is unknown. A cached key is served stale if the refresh fails.
func (c *JWKSCache) Get(ctx context.Context, kid string) (interface{}, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	c.mu.RLock()
	key, ok := c.keysByKID[kid]
	last := c.lastFetch
	ttl := c.cacheTTL
	c.mu.RUnlock()

	if ok && ttl > 0 && time.Since(last) < ttl {
		return key, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
	defer cancel()
	if err := c.Refresh(ctx2); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keysByKID[kid]
	if !ok {
		return nil, fmt.Errorf("kid not found: %s", kid)
	}
	return key, nil
}
