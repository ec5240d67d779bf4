package redisseq

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/revaudit/internal/core/ports"
)

const DefaultKey = "revaudit:revision"

// client captures the go-redis commands the sequence uses.
type client interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Close() error
}

type Config struct {
	Client   redis.UniversalClient
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
}

// Sequence reserves revision blocks with INCRBY on a single key, so every
// process sharing the key draws from one strictly increasing sequence.
type Sequence struct {
	client    client
	ownClient bool
	key       string
}

func New(cfg Config) (*Sequence, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		if cfg.Addr == "" {
			return nil, errors.New("redis address not configured")
		}
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	return &Sequence{client: cl, ownClient: own, key: cfg.Key}, nil
}

var _ ports.SequenceSource = (*Sequence)(nil)

func (s *Sequence) NextBlock(ctx context.Context, size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("sequence block size must be positive, got %d", size)
	}
	last, err := s.client.IncrBy(ctx, s.key, size).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", s.key, err)
	}
	return last - size + 1, nil
}

// Close releases the client when the sequence created it.
func (s *Sequence) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}
