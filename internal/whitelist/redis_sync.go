package whitelist

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
	redisChannel        = "vpnshield:whitelist:updates"
	redisPublishTimeout = 5 * time.Second
)

var syncBackoff = time.Second

type syncEvent struct {
	Op     string `json:"op"`
	Origin string `json:"origin"`
	Entry  string `json:"entry"`
}

// RedisSync mirrors whitelist mutations between nodes over a pub/sub channel.
type RedisSync struct {
	list   *Whitelist
	client *redis.Client
	nodeID string

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedisSync(list *Whitelist, client *redis.Client) *RedisSync {
	return &RedisSync{
		list:   list,
		client: client,
		nodeID: generateNodeID(),
	}
}

// Start subscribes to remote updates and publishes local ones until ctx ends.
func (s *RedisSync) Start(ctx context.Context) {
	if s.client == nil {
		log.Warn("Whitelist sync disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	s.ctx = syncCtx
	s.cancel = cancel
	s.mu.Unlock()

	s.list.OnChange(s.publish)
	go s.subscribe(syncCtx)
}

func (s *RedisSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.list.OnChange(nil)
}

func (s *RedisSync) subscribe(ctx context.Context) {
	pubsub := s.client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Whitelist sync: subscription error", "error", err)
			time.Sleep(syncBackoff)
			continue
		}

		s.handlePayload([]byte(msg.Payload))
	}
}

func (s *RedisSync) handlePayload(payload []byte) {
	var event syncEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Error("Whitelist sync: invalid payload", "error", err)
		return
	}
	if event.Origin == s.nodeID {
		return
	}

	// Local variants so the change is not echoed back to the channel.
	switch event.Op {
	case OpAdd:
		if _, err := s.list.addLocal(event.Entry); err != nil {
			log.Warn("Whitelist sync: cannot apply entry", "entry", event.Entry, "error", err)
		}
	case OpRemove:
		s.list.removeLocal(event.Entry)
	default:
		log.Warn("Whitelist sync: unknown event type", "op", event.Op)
	}
}

func (s *RedisSync) publish(op, entry string) {
	payload, err := json.Marshal(syncEvent{Op: op, Origin: s.nodeID, Entry: entry})
	if err != nil {
		log.Error("Whitelist sync: failed to serialize event", "op", op, "error", err)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()

	if err := s.client.Publish(opCtx, redisChannel, payload).Err(); err != nil {
		log.Error("Whitelist sync: failed to publish event", "op", op, "error", err)
	}
}

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("whitelist-sync:%s:%d:%d", hostname, os.Getpid(), time.Now().UnixNano())
}
