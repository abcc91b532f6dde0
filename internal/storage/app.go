package storage

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// App groups the instances of every configured storage.
type App struct {
	instances []*Instance
	byID      map[string]*Instance
}

// NewApp collects instances, ordered by id.
func NewApp(instances ...*Instance) *App {
	a := &App{byID: make(map[string]*Instance, len(instances))}

	for _, in := range instances {
		a.instances = append(a.instances, in)
		a.byID[in.ID()] = in
	}

	sort.Slice(a.instances, func(i, j int) bool {
		return a.instances[i].ID() < a.instances[j].ID()
	})

	return a
}

// Instances returns every instance ordered by id.
func (a *App) Instances() []*Instance {
	return a.instances
}

// Get returns the instance with the given id.
func (a *App) Get(id string) (*Instance, error) {
	in, ok := a.byID[id]
	if !ok {
		return nil, fmt.Errorf("storage: unknown storage %q", id)
	}

	return in, nil
}

// Close shuts every instance down in parallel. Each instance is closed on its
// own goroutine, so the caller must have stopped pumping them.
func (a *App) Close() error {
	var g errgroup.Group

	for _, in := range a.instances {
		g.Go(in.Close)
	}

	return g.Wait()
}
