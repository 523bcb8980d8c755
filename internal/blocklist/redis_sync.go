package blocklist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisChannel        = "vpnshield:blocklist:updates"
	redisPublishTimeout = 5 * time.Second
)

// redisSync tells follower nodes to reload the stored list after the leader
// refreshed it. The payload is the origin node id.
type redisSync struct {
	mu     sync.Mutex
	client *redis.Client
	nodeID string
}

// EnableRedisSync subscribes to refresh notifications until ctx is done.
func (m *Manager) EnableRedisSync(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}
	m.sync.mu.Lock()
	m.sync.client = client
	m.sync.nodeID = generateNodeID()
	m.sync.mu.Unlock()

	go m.subscribe(ctx, client)
}

func (s *redisSync) state() (*redis.Client, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.nodeID
}

func (s *redisSync) publish(ctx context.Context) {
	client, nodeID := s.state()
	if client == nil {
		return
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisPublishTimeout)
	defer cancel()
	if err := client.Publish(opCtx, redisChannel, nodeID).Err(); err != nil {
		log.Error("Blocklist sync: failed to publish refresh", "error", err)
	}
}

func (m *Manager) subscribe(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Blocklist sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		m.handleNotification(ctx, msg.Payload)
	}
}

func (m *Manager) handleNotification(ctx context.Context, origin string) {
	if _, nodeID := m.sync.state(); origin == nodeID {
		return
	}
	if err := m.LoadCache(ctx); err != nil {
		log.Error("Blocklist sync: reload failed", "error", err)
		return
	}
	addrs, networks := m.Len()
	log.Debug("Blocklist reloaded after remote refresh", "addresses", addrs, "networks", networks)
}

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("blocklist-sync:%s:%d:%d", hostname, os.Getpid(), time.Now().UnixNano())
}
