package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/posledger/internal/domain"
)

const maxWatchRetries = 8

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisCartCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCartCache(client *redis.Client) *RedisCartCache {
	return &RedisCartCache{client: client, prefix: "posledger:cart:"}
}

func (c *RedisCartCache) Get(ctx context.Context, cartID string) (*domain.Cart, error) {
	return c.decode(c.client.Get(ctx, c.prefix+cartID))
}

// Take claims the cart with GETDEL so two instances cannot check out the
// same cart.
func (c *RedisCartCache) Take(ctx context.Context, cartID string) (*domain.Cart, error) {
	return c.decode(c.client.GetDel(ctx, c.prefix+cartID))
}

func (c *RedisCartCache) decode(cmd *redis.StringCmd) (*domain.Cart, error) {
	val, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cart domain.Cart
	if err := json.Unmarshal(val, &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (c *RedisCartCache) Set(ctx context.Context, cart domain.Cart, ttl time.Duration) error {
	payload, err := json.Marshal(cart)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+cart.ID, payload, ttl).Err()
}

func (c *RedisCartCache) Delete(ctx context.Context, cartID string) error {
	return c.client.Del(ctx, c.prefix+cartID).Err()
}

// RedisSessionStore shares payment sessions across server instances. Updates
// run as optimistic WATCH/MULTI transactions so two instances racing on the
// same order reference cannot both apply a transition.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: "posledger:payment:"}
}

func (s *RedisSessionStore) Create(ctx context.Context, session domain.PaymentSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.prefix+session.OrderRef, payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisSessionStore) Get(ctx context.Context, orderRef string) (*domain.PaymentSession, error) {
	val, err := s.client.Get(ctx, s.prefix+orderRef).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var session domain.PaymentSession
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *RedisSessionStore) Update(ctx context.Context, orderRef string, ttl time.Duration, mutate SessionMutation) (*domain.PaymentSession, error) {
	key := s.prefix + orderRef
	var updated domain.PaymentSession

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var session domain.PaymentSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		if err := mutate(&session); err != nil {
			return err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return &updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrContention
}
