package rediskv

import (
	"context"

	"github.com/cheddarme/pecorino/storage"
)

func init() {
	storage.Register("redis", func(config any) (storage.Adapter, error) {
		cfg, ok := config.(Config)
		if !ok {
			return nil, storage.ErrInvalidArgument
		}
		if cfg.Addr == "" && cfg.RedisURL == "" {
			return nil, storage.ErrInvalidArgument
		}
		return New(context.Background(), cfg)
	})
}
