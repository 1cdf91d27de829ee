package repository

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/doubledekr/SharpSendvNext-sub005/internal/config"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/db"
	"github.com/doubledekr/SharpSendvNext-sub005/internal/service"
)

// PersistentStore is a safeguard store that owns a connection.
type PersistentStore interface {
	service.Store
	io.Closer
}

// OpenStore builds the store named by cfg.Driver. The memory driver
// returns nil: the safeguard then keeps state in process only.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (PersistentStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", config.StoreMemory:
		return nil, nil
	case config.StorePostgres, config.StoreSQLite:
		conn, err := db.Open(strings.ToLower(cfg.Driver), cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		repo := &SendRecordRepository{DB: conn}
		if err := repo.Migrate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return repo, nil
	case config.StoreRedis:
		st := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := st.Ping(pctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
