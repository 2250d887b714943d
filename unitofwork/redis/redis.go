// Package redis provides the Redis client used for cluster coordination and
// a redsync-backed implementation of the advisory lock contract.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-unitofwork/unitofwork/log"
	goredislib "github.com/redis/go-redis/v9"
)

const defaultDialTimeout = 5 * time.Second

var (
	ErrNilClient       = errors.New("redis client is required")
	ErrAddressRequired = errors.New("redis address is required")
)

// Config holds the connection settings for the Redis client.
type Config struct {
	// Addrs lists the node addresses. One address yields a single-node
	// client, several yield a cluster client.
	Addrs    []string
	Username string
	Password string
	DB       int
	// UseTLS enables TLS with the host's root CA set.
	UseTLS bool
}

// Client is a lazily-connected Redis handle shared by the lock manager and
// any coordination helpers.
type Client struct {
	cfg    Config
	logger log.Logger

	mu     sync.RWMutex
	client goredislib.UniversalClient
}

// NewClient builds a client from the given configuration. The connection is
// established on first use.
func NewClient(cfg Config, logger log.Logger) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrAddressRequired
	}

	for _, addr := range cfg.Addrs {
		if strings.TrimSpace(addr) == "" {
			return nil, ErrAddressRequired
		}
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &Client{cfg: cfg, logger: logger}, nil
}

// GetClient returns the underlying universal client, connecting on first
// use and verifying connectivity with a ping.
func (client *Client) GetClient(ctx context.Context) (goredislib.UniversalClient, error) {
	client.mu.RLock()

	if client.client != nil {
		rdb := client.client
		client.mu.RUnlock()

		return rdb, nil
	}

	client.mu.RUnlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.client != nil {
		return client.client, nil
	}

	options := &goredislib.UniversalOptions{
		Addrs:       client.cfg.Addrs,
		Username:    client.cfg.Username,
		Password:    client.cfg.Password,
		DB:          client.cfg.DB,
		DialTimeout: defaultDialTimeout,
	}

	if client.cfg.UseTLS {
		options.TLSConfig = defaultTLSConfig()
	}

	rdb := goredislib.NewUniversalClient(options)

	if err := rdb.Ping(ctx).Err(); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			log.SafeError(client.logger, ctx, "failed to close redis client after ping failure", closeErr)
		}

		return nil, fmt.Errorf("ping redis: %w", err)
	}

	client.logger.Log(ctx, log.LevelInfo, "connected to redis",
		log.Int("nodes", len(client.cfg.Addrs)))

	client.client = rdb

	return rdb, nil
}

func defaultTLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// Close releases the underlying connection.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.client == nil {
		return nil
	}

	err := client.client.Close()
	client.client = nil

	return err
}
