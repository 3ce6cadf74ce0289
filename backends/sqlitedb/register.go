package sqlitedb

import (
	"fmt"

	"github.com/shovelrun/shovel/internal/reify"
	"github.com/shovelrun/shovel/internal/workerruntime"
)

// Register adds this backend's constructor to reg under module name
// "sqlitedb", resolving the config entry's URL field to a DSN.
func Register(reg *reify.Registry[workerruntime.DatabaseBackend]) {
	reg.Register("sqlitedb", "", func(opts map[string]any) (workerruntime.DatabaseBackend, error) {
		url, _ := opts["url"].(string)
		if url == "" {
			url = ":memory:"
		}
		db, err := Open(url)
		if err != nil {
			return workerruntime.DatabaseBackend{}, fmt.Errorf("sqlitedb: register: %w", err)
		}
		return workerruntime.DatabaseBackend{Driver: db, Store: db}, nil
	})
}
