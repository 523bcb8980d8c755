package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	leaderKeyPrefix    = "vpnshield:leader:"
	leaderRetryDelay   = time.Second
	leaderRedisTimeout = 5 * time.Second
	defaultLeaderTTL   = 45 * time.Second
)

// LeaderRole names a cluster-wide job that only one node runs at a time.
type LeaderRole struct {
	Name string
	// TTL is how long the lock survives a crashed holder. Renewal happens at a
	// third of it.
	TTL time.Duration
}

var (
	// GeoLiteUpdateRole downloads the MaxMind editions.
	GeoLiteUpdateRole = LeaderRole{Name: "geolite_update", TTL: 2 * time.Minute}
	// BlocklistRefreshRole fetches the configured blocklist sources.
	BlocklistRefreshRole = LeaderRole{Name: "blocklist_refresh", TTL: defaultLeaderTTL}
)

func (r LeaderRole) Key() string {
	return leaderKeyPrefix + r.Name
}

func (r LeaderRole) ttl() time.Duration {
	if r.TTL <= 0 {
		return defaultLeaderTTL
	}
	return r.TTL
}

func (r LeaderRole) renewEvery() time.Duration {
	return max(r.ttl()/3, time.Second)
}

var (
	holderSeq atomic.Uint64

	// Both scripts only touch the key while this holder still owns it.
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])`)

	yieldScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])`)
)

var errLeadershipLost = errors.New("support: leadership lost")

// RunAsLeader waits until this node holds the lock for role and calls run with
// a context that is cancelled once the lock can no longer be renewed. When run
// returns the lock is released and the node competes again. A nil client
// means a single node, so run is called directly.
func RunAsLeader(ctx context.Context, client *redis.Client, role LeaderRole, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		run(ctx)
		return ctx.Err()
	}

	holder := newHolderID()
	for {
		won, err := tryAcquire(ctx, client, role, holder)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("Leader lock unavailable", "role", role.Name, "error", err)
		case won:
			log.Debug("Leadership acquired", "role", role.Name, "holder", holder)
			lead(ctx, client, role, holder, run)
			log.Debug("Leadership released", "role", role.Name)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaderRetryDelay):
		}
	}
}

func tryAcquire(ctx context.Context, client *redis.Client, role LeaderRole, holder string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, leaderRedisTimeout)
	defer cancel()
	return client.SetNX(opCtx, role.Key(), holder, role.ttl()).Result()
}

// lead runs the job while a background loop keeps extending the lock.
func lead(ctx context.Context, client *redis.Client, role LeaderRole, holder string, run func(context.Context)) {
	leaderCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})

	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(role.renewEvery())
		defer ticker.Stop()

		for {
			select {
			case <-leaderCtx.Done():
				return
			case <-ticker.C:
				if err := extend(client, role, holder); err != nil {
					log.Warn("Leader lock renewal failed", "role", role.Name, "error", err)
					cancel(err)
					return
				}
			}
		}
	}()

	run(leaderCtx)
	cancel(nil)
	<-renewDone

	if err := yield(client, role, holder); err != nil {
		log.Warn("Leader lock release failed", "role", role.Name, "error", err)
	}
}

func extend(client *redis.Client, role LeaderRole, holder string) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderRedisTimeout)
	defer cancel()

	extended, err := extendScript.Run(ctx, client, []string{role.Key()}, holder, role.ttl().Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if extended == 0 {
		return errLeadershipLost
	}
	return nil
}

func yield(client *redis.Client, role LeaderRole, holder string) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderRedisTimeout)
	defer cancel()

	err := yieldScript.Run(ctx, client, []string{role.Key()}, holder).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func newHolderID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), holderSeq.Add(1))
}
