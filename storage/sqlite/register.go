package sqlite

import (
	"context"

	"github.com/cheddarme/pecorino/storage"
)

func init() {
	storage.Register("sqlite", func(config any) (storage.Adapter, error) {
		cfg, ok := config.(Config)
		if !ok {
			return nil, storage.ErrInvalidArgument
		}
		if cfg.Path == "" {
			return nil, storage.ErrInvalidArgument
		}
		return New(context.Background(), cfg)
	})
}
