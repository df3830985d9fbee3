package memory

import "github.com/cheddarme/pecorino/storage"

func init() {
	storage.Register("memory", func(config any) (storage.Adapter, error) {
		return New(), nil
	})
}
