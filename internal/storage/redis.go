package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"panelforge/internal/config"
	"panelforge/internal/consistency"
	"panelforge/internal/models"
)

// RedisStore caches preprocessed control maps and snapshots the identity
// registry so a restart does not lose extracted identities.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Preprocess cache

const preprocessTTL = 24 * time.Hour

// PreprocessCache adapts the store to the control stack's cache contract.
// Misses and transport errors look the same to the caller: not cached.
type PreprocessCache struct {
	store *RedisStore
}

func (s *RedisStore) PreprocessCache() *PreprocessCache {
	return &PreprocessCache{store: s}
}

func (c *PreprocessCache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.store.client.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return value, true
}

func (c *PreprocessCache) Set(ctx context.Context, key, outputPath string) {
	if err := c.store.client.Set(ctx, key, outputPath, preprocessTTL).Err(); err != nil {
		log.Printf("[RedisStore] preprocess cache write failed: %v", err)
	}
}

// Identity snapshots

const identityHashKey = "identity:registry"

// identitySnapshot is the wire form of an identity. Usage counts travel as a
// plain integer; the atomic wrapper is rebuilt on load.
type identitySnapshot struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	ReferenceImages []string  `json:"reference_images"`
	Embedding       string    `json:"embedding"`
	AdapterModel    string    `json:"adapter_model"`
	UsageCount      int64     `json:"usage_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// PersistentIdentityStore wraps an in-memory identity store with write-through
// snapshots. Reads always hit memory; Redis failures degrade to memory-only
// operation with a log line.
type PersistentIdentityStore struct {
	mem   *consistency.MemoryStore
	store *RedisStore
}

// NewPersistentIdentityStore loads any existing snapshot into a fresh memory
// store and returns the write-through wrapper.
func NewPersistentIdentityStore(ctx context.Context, store *RedisStore) *PersistentIdentityStore {
	p := &PersistentIdentityStore{
		mem:   consistency.NewMemoryStore(),
		store: store,
	}
	p.load(ctx)
	return p
}

func (p *PersistentIdentityStore) load(ctx context.Context) {
	entries, err := p.store.client.HGetAll(ctx, identityHashKey).Result()
	if err != nil {
		log.Printf("[RedisStore] identity snapshot load failed: %v", err)
		return
	}

	loaded := 0
	for _, raw := range entries {
		var snap identitySnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		identity := &models.Identity{
			ID:              snap.ID,
			Name:            snap.Name,
			Description:     snap.Description,
			ReferenceImages: snap.ReferenceImages,
			Embedding:       snap.Embedding,
			AdapterModel:    snap.AdapterModel,
			CreatedAt:       snap.CreatedAt,
		}
		identity.UsageCount.Store(snap.UsageCount)
		if err := p.mem.Insert(ctx, identity); err == nil {
			loaded++
		}
	}
	if loaded > 0 {
		log.Printf("[RedisStore] restored %d identit(ies) from snapshot", loaded)
	}
}

func (p *PersistentIdentityStore) snapshot(ctx context.Context, identity *models.Identity) {
	snap := identitySnapshot{
		ID:              identity.ID,
		Name:            identity.Name,
		Description:     identity.Description,
		ReferenceImages: identity.ReferenceImages,
		Embedding:       identity.Embedding,
		AdapterModel:    identity.AdapterModel,
		UsageCount:      identity.UsageCount.Load(),
		CreatedAt:       identity.CreatedAt,
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return
	}
	if err := p.store.client.HSet(ctx, identityHashKey, identity.ID, data).Err(); err != nil {
		log.Printf("[RedisStore] identity snapshot write failed for %s: %v", identity.ID, err)
	}
}

func (p *PersistentIdentityStore) Insert(ctx context.Context, identity *models.Identity) error {
	if err := p.mem.Insert(ctx, identity); err != nil {
		return err
	}
	p.snapshot(ctx, identity)
	return nil
}

func (p *PersistentIdentityStore) Get(ctx context.Context, id string) (*models.Identity, bool) {
	return p.mem.Get(ctx, id)
}

func (p *PersistentIdentityStore) List(ctx context.Context) []*models.Identity {
	return p.mem.List(ctx)
}

func (p *PersistentIdentityStore) IncrementUsage(ctx context.Context, id string) (int64, error) {
	count, err := p.mem.IncrementUsage(ctx, id)
	if err != nil {
		return 0, err
	}
	if identity, ok := p.mem.Get(ctx, id); ok {
		p.snapshot(ctx, identity)
	}
	return count, nil
}

func (p *PersistentIdentityStore) Clear(ctx context.Context) error {
	if err := p.mem.Clear(ctx); err != nil {
		return err
	}
	if err := p.store.client.Del(ctx, identityHashKey).Err(); err != nil {
		log.Printf("[RedisStore] identity snapshot clear failed: %v", err)
	}
	return nil
}
