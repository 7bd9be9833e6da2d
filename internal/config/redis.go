package config

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig locates the Redis server used for the membership profile
// cache, the bay-list response cache and rate limiting.  Addr takes
// precedence over Host/Port.
type RedisConfig struct {
	Addr     string `envconfig:"ADDR"`
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"6379"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0"`
	TLS      bool   `envconfig:"TLS" default:"false"`
}

// Address returns host:port.
func (r RedisConfig) Address() string {
	if r.Addr != "" {
		return r.Addr
	}
	return r.Host + ":" + r.Port
}

// NewRedisClient connects to Redis and pings it.  It returns nil when the
// server is unreachable; callers then run without caching and rate
// limiting.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	var tlsConf *tls.Config
	if cfg.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Address(),
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConf,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil
	}
	return client
}
