// Package bus implements the message-bus transport this broker uses to
// exchange request/response/event envelopes with agents and backends.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/netology-group/conference-broker/internal/metrics"
)

// Service handles all interaction with the Redis cluster acting as this
// broker's bus transport.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a robust Redis connection with a circuit breaker
// guarding every publish/subscribe-setup call.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10, // sized for the expected broker replica count
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("bus").Set(stateVal)
		},
	}

	slog.Info("connected to bus transport", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// topicClass buckets a topic into a low-cardinality metrics label
// ("agents", "audiences", "rooms", or "other").
func topicClass(topic string) string {
	for _, prefix := range []string{"agents/", "audiences/", "rooms/"} {
		if len(topic) >= len(prefix) && topic[:len(prefix)] == prefix {
			return prefix[:len(prefix)-1]
		}
	}
	return "other"
}

// Publish sends an envelope to topic. Circuit-breaker failures degrade
// gracefully: the publish is dropped rather than propagated, since a
// transient bus outage should not fail the caller's in-process state
// transition.
func (s *Service) Publish(ctx context.Context, topic string, env *Envelope) error {
	if s == nil || s.client == nil {
		return nil
	}

	class := topicClass(topic)
	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, topic, data).Err()
	})
	metrics.BusOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			metrics.BusPublishes.WithLabelValues(class, "dropped").Inc()
			slog.Warn("bus circuit breaker open: dropping publish", "topic", topic)
			return nil
		}
		metrics.BusPublishes.WithLabelValues(class, "error").Inc()
		slog.Error("bus publish failed", "topic", topic, "error", err)
		return err
	}

	metrics.BusPublishes.WithLabelValues(class, "success").Inc()
	return nil
}

// Subscribe starts a background goroutine delivering every envelope
// received on topic to handler, until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, topic string, wg *sync.WaitGroup, handler func(*Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, topic)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("subscribed to bus topic", "topic", topic)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("bus subscription channel closed", "topic", topic)
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("failed to unmarshal bus envelope", "error", err, "topic", topic)
					continue
				}
				handler(&env)
			}
		}
	}()
}

// Ping checks bus connectivity using the PING command. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the bus connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a set. Used for distributed backend/agent
// presence bookkeeping shared across broker replicas.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			slog.Warn("bus circuit breaker open: skipping SetAdd", "key", key)
			return nil
		}
		slog.Error("bus SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			slog.Warn("bus circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		slog.Error("bus SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("bus").Inc()
			slog.Warn("bus circuit breaker open: returning empty set members", "key", key)
			return nil, nil
		}
		slog.Error("bus SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
