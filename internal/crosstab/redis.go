package crosstab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "tabnotify/pkg/logx"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	// Namespace prefixes the hash and channel, typically the session or user id.
	Namespace string
}

// Redis keeps the shared keys in one hash and announces writes on a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	hash    string
	channel string
	origin  string
	log     logx.Logger
}

type redisEnvelope struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Origin string          `json:"origin"`
}

func OpenRedis(cfg RedisConfig, origin string, log logx.Logger) (*Redis, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("crosstab.redis.addrs is required for redis driver")
	}
	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = "default"
	}
	var client redis.UniversalClient
	if len(cfg.Addrs) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: cfg.Addrs, Password: cfg.Password})
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addrs[0], Password: cfg.Password, DB: cfg.DB})
	}
	return NewRedis(client, ns, origin, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, namespace, origin string, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{
		client:  client,
		hash:    "tabnotify:" + namespace + ":state",
		channel: "tabnotify:" + namespace + ":changes",
		origin:  origin,
		log:     log,
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.HGet(ctx, r.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	msg, err := json.Marshal(redisEnvelope{Key: key, Value: json.RawMessage(value), Origin: r.origin})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.hash, key, value)
		p.Publish(ctx, r.channel, msg)
		return nil
	})
	return err
}

func (r *Redis) Watch(ctx context.Context) (<-chan Change, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var env redisEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					r.log.Debug("crosstab redis payload dropped", logx.Err(err))
					continue
				}
				if env.Origin == r.origin || env.Key == "" {
					continue
				}
				select {
				case out <- Change{Key: env.Key, Value: []byte(env.Value), Origin: env.Origin}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Close() error { return r.client.Close() }
