package cmd

import (
	"fmt"

	"github.com/confluxhq/conflux/pkg/persistence"
	"github.com/confluxhq/conflux/pkg/persistence/memory"
	"github.com/confluxhq/conflux/pkg/persistence/redis"
)

// NewPersistence builds a store from a database URL. redis:// URLs get the
// Redis store; anything else falls back to the in-memory store.
func NewPersistence(databaseURL string) persistence.Persistence {
	switch persistence.Provider(databaseURL) {
	case "redis", "rediss":
		store, err := redis.NewPersistence(databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to connect to Redis: %w", err))
		}

		return store
	default:
		return memory.NewPersistence()
	}
}
