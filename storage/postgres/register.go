package postgres

import (
	"context"

	"github.com/cheddarme/pecorino/storage"
)

func init() {
	storage.Register("postgres", func(config any) (storage.Adapter, error) {
		cfg, ok := config.(Config)
		if !ok {
			return nil, storage.ErrInvalidArgument
		}
		if cfg.ConnString == "" {
			return nil, storage.ErrInvalidArgument
		}
		return New(context.Background(), cfg)
	})
}
