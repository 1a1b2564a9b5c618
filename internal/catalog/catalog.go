// Package catalog resolves human-readable label paths to remote label
// IDs, creating missing labels on first use.  The remote system is
// the source of truth: creation races are resolved by re-listing
// after a conflict, not by locking around the network.
package catalog

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tmcfarlane/mailsort/internal/gmail"
	"github.com/tmcfarlane/mailsort/internal/retry"
)

// LabelAPI is the remote surface the catalog needs.
type LabelAPI interface {
	ListLabels(ctx context.Context) (map[string]string, error)
	CreateLabel(ctx context.Context, name string) (string, error)
}

// Catalog caches the label path to ID mapping for the process
// lifetime.
type Catalog struct {
	api LabelAPI

	// Policy backs off transient list/create failures like every
	// other remote surface.
	Policy retry.Policy

	mu     sync.Mutex
	byPath map[string]string
	primed bool
}

func New(api LabelAPI) *Catalog {
	return &Catalog{api: api, Policy: retry.Default, byPath: map[string]string{}}
}

func (c *Catalog) cached(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPath[path]
	return id, ok
}

func (c *Catalog) store(path, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPath[path] = id
}

// Resolve returns the remote ID for a label path, listing and then
// creating as needed.  Paths with "/" separators create each parent
// first, since the remote treats every prefix as its own label.
func (c *Catalog) Resolve(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", errors.New("empty label path")
	}
	if err := c.prime(ctx); err != nil {
		return "", err
	}
	if id, ok := c.cached(path); ok {
		return id, nil
	}

	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], "/")
		if _, ok := c.cached(parent); ok {
			continue
		}
		if _, err := c.ensure(ctx, parent); err != nil {
			return "", err
		}
	}
	return c.ensure(ctx, path)
}

// prime fills the cache from one list call the first time the catalog
// is used.
func (c *Catalog) prime(ctx context.Context) error {
	c.mu.Lock()
	primed := c.primed
	c.mu.Unlock()
	if primed {
		return nil
	}
	if err := c.refresh(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.primed = true
	c.mu.Unlock()
	return nil
}

func (c *Catalog) refresh(ctx context.Context) error {
	var byName map[string]string
	err := c.Policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
		var err error
		byName, err = c.api.ListLabels(ctx)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "listing labels")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, id := range byName {
		c.byPath[name] = id
	}
	return nil
}

// ensure creates one label, collapsing a lost creation race into a
// re-list of the winner's ID.
func (c *Catalog) ensure(ctx context.Context, path string) (string, error) {
	if id, ok := c.cached(path); ok {
		return id, nil
	}
	var id string
	err := c.Policy.Do(ctx, gmail.IsTransient, func(ctx context.Context) error {
		var err error
		id, err = c.api.CreateLabel(ctx, path)
		return err
	})
	if err != nil {
		if !gmail.IsConflict(err) {
			return "", err
		}
		// Another writer created it between our list and create.
		if err := c.refresh(ctx); err != nil {
			return "", err
		}
		id, ok := c.cached(path)
		if !ok {
			return "", errors.Wrapf(gmail.ErrLabelNotFound,
				"label %q conflicted on create but is absent from the list", path)
		}
		return id, nil
	}
	c.store(path, id)
	return id, nil
}

// Invalidate drops one cache entry.  Called when a mutation reports
// the ID no longer exists; the next Resolve re-creates it.
func (c *Catalog) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byPath, path)
}
