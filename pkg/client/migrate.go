package client

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/daviddao/verdant/pkg/model"
)

// Migration upgrades stored data from one schema version to the next.
// Run issues its edits through Mutations().CommitUntracked or the store.
type Migration struct {
	From int
	To   int
	Run  func(ctx context.Context, c *Client) error
}

// planMigrations returns the chain of migrations leading from the stored
// version to target.
func planMigrations(stored, target int, migrations []Migration) ([]Migration, error) {
	if stored > target {
		return nil, fmt.Errorf("%w: data is at version %d, client is at %d", model.ErrFutureVersion, stored, target)
	}
	byFrom := make(map[int]Migration, len(migrations))
	for _, m := range migrations {
		if m.To <= m.From {
			return nil, fmt.Errorf("%w: migration %d -> %d does not advance", model.ErrConfiguration, m.From, m.To)
		}
		byFrom[m.From] = m
	}
	var plan []Migration
	for v := stored; v < target; {
		m, ok := byFrom[v]
		if !ok || m.To > target {
			return nil, fmt.Errorf("%w: no migration from version %d toward %d", model.ErrMigrationPathNotFound, v, target)
		}
		plan = append(plan, m)
		v = m.To
	}
	return plan, nil
}

// migrate brings the local store up to the client's schema version. A new
// store starts at the current version.
func (c *Client) migrate(ctx context.Context) error {
	stored, err := c.db.SchemaVersion()
	if err != nil {
		return err
	}
	target := c.opts.SchemaVersion
	if stored == 0 {
		return c.db.SetSchemaVersion(target)
	}
	plan, err := planMigrations(stored, target, c.opts.Migrations)
	if err != nil {
		return err
	}
	for _, m := range plan {
		roots, err := c.db.Roots()
		if err != nil {
			return err
		}
		for _, root := range roots {
			if err := c.store.Load(ctx, root); err != nil {
				return err
			}
		}
		if err := m.Run(ctx, c); err != nil {
			return fmt.Errorf("migrate %d -> %d: %w", m.From, m.To, err)
		}
		c.pipeline.Flush()
		if err := c.db.SetSchemaVersion(m.To); err != nil {
			return err
		}
		glog.Infof("[client] migrated local data %d -> %d", m.From, m.To)
	}
	return nil
}
