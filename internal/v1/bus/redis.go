// Package bus fans room lifecycle updates out to the other server instances
// over Redis pub/sub, so every instance can keep its lobby clients current.
// All operations degrade gracefully when Redis is disabled or unreachable.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/voicedeck/voicedeck/internal/v1/logging"
	"github.com/voicedeck/voicedeck/internal/v1/metrics"
	"github.com/voicedeck/voicedeck/internal/v1/types"
)

// roomUpdatesChannel carries every room summary change, process-wide.
const roomUpdatesChannel = "voicedeck:rooms"

// RoomUpdate is the pub/sub envelope for one room summary change. Instance
// identifies the publishing process so subscribers can suppress their own
// echoes.
type RoomUpdate struct {
	Instance string            `json:"instance"`
	Room     types.RoomSummary `json:"room"`
}

// Service wraps the Redis connection behind a circuit breaker. A nil Service
// is valid and turns every method into a no-op (single-instance mode).
type Service struct {
	client   *redis.Client
	cb       *gobreaker.CircuitBreaker
	instance string
}

// NewService connects to Redis and verifies the connection with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(ctx, "Connected to Redis", zap.String("addr", addr))
	return &Service{
		client:   rdb,
		cb:       gobreaker.NewCircuitBreaker(st),
		instance: uuid.NewString(),
	}, nil
}

// Client returns the underlying Redis client, nil in single-instance mode.
// Shared with the rate limiter so both use one connection pool.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID identifies this process in published envelopes.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instance
}

// PublishRoomUpdate broadcasts one room summary change to every instance.
// When the breaker is open the update is dropped rather than failing the
// caller; lobby state is advisory.
func (s *Service) PublishRoomUpdate(ctx context.Context, room types.RoomSummary) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(RoomUpdate{Instance: s.instance, Room: room})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal room update: %w", err)
		}
		return nil, s.client.Publish(ctx, roomUpdatesChannel, data).Err()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open, dropping room update",
				zap.String("roomId", string(room.ID)))
			return nil
		}
		logging.Error(ctx, "Redis publish failed",
			zap.String("roomId", string(room.ID)), zap.Error(err))
		return err
	}
	return nil
}

// SubscribeRoomUpdates listens for room updates from other instances and
// invokes handler for each one. Updates published by this instance are
// skipped. The loop runs until ctx is cancelled.
func (s *Service) SubscribeRoomUpdates(ctx context.Context, wg *sync.WaitGroup, handler func(RoomUpdate)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, roomUpdatesChannel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to room updates", zap.String("channel", roomUpdatesChannel))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed",
						zap.String("channel", roomUpdatesChannel))
					return
				}
				var update RoomUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					logging.Error(ctx, "Failed to unmarshal room update", zap.Error(err))
					continue
				}
				if update.Instance == s.instance {
					continue
				}
				handler(update)
			}
		}
	}()
}

// Ping checks Redis connectivity, used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
