package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "vpnshield:config:settings"
	redisConfigChannel = "vpnshield:config:updates"
	redisOpTimeout     = 5 * time.Second
)

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

type configSyncEvent struct {
	Origin string          `json:"origin"`
	Config json.RawMessage `json:"config"`
}

var (
	globalRedisSync  redisSyncState
	configSyncNodeID = generateConfigSyncNodeID()
)

// EnableRedisSynchronization loads the shared configuration from redis (or
// seeds it with the local one) and applies updates published by other nodes.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		cancel()
		return
	}

	globalRedisSync.client = client
	globalRedisSync.ctx = syncCtx
	globalRedisSync.cancel = cancel
	globalRedisSync.mu.Unlock()

	loaded, err := loadConfigFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}

	if !loaded {
		payload, err := json.Marshal(GetConfig())
		if err != nil {
			log.Error("Config sync: failed to serialize configuration for redis", "error", err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Config sync: failed to publish configuration to redis", "error", err)
		}
	}

	go subscribeToConfigUpdates(syncCtx, client)
}

// DisableRedisSynchronization stops the subscriber started by EnableRedisSynchronization.
func DisableRedisSynchronization() {
	globalRedisSync.mu.Lock()
	defer globalRedisSync.mu.Unlock()
	if globalRedisSync.cancel != nil {
		globalRedisSync.cancel()
	}
	globalRedisSync.client = nil
	globalRedisSync.ctx = nil
	globalRedisSync.cancel = nil
}

func loadConfigFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	var cfg Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return true, err
	}
	if cfg, err = openSecrets(cfg); err != nil {
		log.Warn("Config sync: stored secrets could not be decrypted", "error", err)
	}

	if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
		return true, err
	}

	return true, nil
}

func subscribeToConfigUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if err := handleConfigSyncPayload([]byte(msg.Payload)); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func handleConfigSyncPayload(payload []byte) error {
	var event configSyncEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if event.Origin == configSyncNodeID {
		return nil
	}

	var cfg Config
	if err := json.Unmarshal(event.Config, &cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg, err := openSecrets(cfg)
	if err != nil {
		log.Warn("Config sync: remote secrets could not be decrypted", "error", err)
	}

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"})
}

func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	baseCtx := globalRedisSync.ctx
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	event, err := json.Marshal(configSyncEvent{Origin: configSyncNodeID, Config: payload})
	if err != nil {
		return err
	}

	if err := client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}

	return client.Publish(opCtx, redisConfigChannel, event).Err()
}

func generateConfigSyncNodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("config-sync:%s:%d:%d", hostname, os.Getpid(), time.Now().UnixNano())
}
