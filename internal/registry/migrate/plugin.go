package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

// Migrator prepares the schema of a single datastore plugin. Implementations
// must be safe to run repeatedly against an already-migrated store.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// Plugin pairs a migrator with its position in the run order.
type Plugin struct {
	Order    int
	Migrator Migrator
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns the registered migrator names in run order.
func Names() []string {
	names := make([]string, 0, len(plugins))
	for _, p := range ordered() {
		names = append(names, p.Migrator.Name())
	}
	return names
}

// RunAll executes every registered migrator in Order. The first failure stops
// the run and is returned wrapped with the migrator's name.
func RunAll(ctx context.Context) error {
	for _, p := range ordered() {
		start := time.Now()
		if err := p.Migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Migrator.Name(), err)
		}
		log.Debug("Migration complete", "name", p.Migrator.Name(), "duration", time.Since(start))
	}
	return nil
}

func ordered() []Plugin {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}
