package geolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "vpnshield:geolite:file:"
	redisChannel   = "vpnshield:geolite:updates"
	redisOpTimeout = 30 * time.Second
)

type updatePayload struct {
	Origin    string   `json:"origin"`
	Editions  []string `json:"editions"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// EnableRedisDistribution pulls databases published by other nodes, now and
// whenever they announce an update.
func (u *Updater) EnableRedisDistribution(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("GeoLite redis distribution disabled: redis client is nil")
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	u.mu.Lock()
	if u.redis != nil {
		u.mu.Unlock()
		cancel()
		return
	}
	u.redis = client
	u.syncCtx = syncCtx
	u.cancel = cancel
	u.mu.Unlock()

	go func() {
		if updated, err := u.fetchFromRedis(syncCtx, nil); err != nil {
			log.Error("geolite redis sync: initial load failed", "error", err)
		} else if updated {
			log.Info("geolite redis sync: loaded databases from redis")
		}
	}()

	go u.subscribe(syncCtx, client)
}

func (u *Updater) redisClient() (*redis.Client, context.Context) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.redis, u.syncCtx
}

// Publish uploads the local databases and notifies other nodes. It is a no-op
// when redis distribution is not enabled.
func (u *Updater) Publish(ctx context.Context) error {
	client, baseCtx := u.redisClient()
	if client == nil {
		return nil
	}

	opCtx := mergedContext(ctx, baseCtx)
	targets := u.targets(u.options())
	editions := make([]string, 0, len(targets))
	for _, target := range targets {
		data, err := os.ReadFile(target.path)
		if err != nil {
			return fmt.Errorf("geolite redis sync: read %s: %w", target.editionID, err)
		}
		if err := storeFile(opCtx, client, target.editionID, data); err != nil {
			return fmt.Errorf("geolite redis sync: store %s: %w", target.editionID, err)
		}
		editions = append(editions, target.editionID)
	}

	data, err := json.Marshal(updatePayload{
		Origin:    u.nodeID,
		Editions:  editions,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("geolite redis sync: serialize payload: %w", err)
	}

	return publishNotification(opCtx, client, data)
}

func (u *Updater) subscribe(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		var payload updatePayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Error("geolite redis sync: invalid payload", "error", err)
			continue
		}
		if payload.Origin == u.nodeID {
			continue
		}

		if updated, err := u.fetchFromRedis(ctx, payload.Editions); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update", "editions", payload.Editions)
		}
	}
}

func (u *Updater) fetchFromRedis(ctx context.Context, editions []string) (bool, error) {
	client, _ := u.redisClient()
	if client == nil {
		return false, errors.New("geolite redis sync: redis client is nil")
	}

	wanted := make(map[string]struct{}, len(editions))
	for _, edition := range editions {
		wanted[edition] = struct{}{}
	}

	opts := u.options()
	var updated bool
	for _, target := range u.targets(opts) {
		if len(wanted) > 0 {
			if _, ok := wanted[target.editionID]; !ok {
				continue
			}
		}
		data, err := fetchFile(ctx, client, target.editionID)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return false, err
		}
		if len(data) == 0 {
			continue
		}
		if err := writeToFile(target.path, bytes.NewReader(data)); err != nil {
			return false, fmt.Errorf("geolite redis sync: write %s: %w", target.editionID, err)
		}
		updated = true
	}

	if updated {
		if err := u.reload(opts); err != nil {
			return false, fmt.Errorf("geolite redis sync: reload databases: %w", err)
		}
	}

	return updated, nil
}

func storeFile(ctx context.Context, client *redis.Client, edition string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	return client.Set(opCtx, redisKeyPrefix+edition, data, 0).Err()
}

func publishNotification(ctx context.Context, client *redis.Client, payload []byte) error {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	return client.Publish(opCtx, redisChannel, payload).Err()
}

func fetchFile(ctx context.Context, client *redis.Client, edition string) ([]byte, error) {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	return client.Get(opCtx, redisKeyPrefix+edition).Bytes()
}

func mergedContext(ctx context.Context, fallback context.Context) context.Context {
	switch {
	case ctx != nil && ctx.Err() == nil:
		return ctx
	case fallback != nil && fallback.Err() == nil:
		return fallback
	default:
		return context.Background()
	}
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("geolite-sync:%s:%d:%d", hostname, os.Getpid(), time.Now().UnixNano())
}
