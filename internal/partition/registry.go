package partition

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// TreeSource loads the authoritative tree of a group.
type TreeSource interface {
	ReadPartitionTree(ctx context.Context, group string) (*Snapshot, error)
}

// TreeEvent announces that the published tree of Group changed.
type TreeEvent struct {
	Group   string
	Version uint64
	Deleted bool
}

// ChangeListener is notified after the registry installs a new tree.
type ChangeListener func(group string, tree *Tree)

// Registry owns the current tree of every known group.
type Registry struct {
	source TreeSource
	logger *zap.Logger

	mu        sync.RWMutex
	trees     map[string]*Tree
	listeners []ChangeListener
}

// NewRegistry creates an empty registry backed by source.
func NewRegistry(source TreeSource, logger *zap.Logger) *Registry {
	return &Registry{
		source: source,
		logger: logger,
		trees:  make(map[string]*Tree),
	}
}

// OnChange registers a listener for installed trees.
func (r *Registry) OnChange(l ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Tree returns the cached tree of group, loading it on a miss.
func (r *Registry) Tree(ctx context.Context, group string) (*Tree, error) {
	r.mu.RLock()
	t, ok := r.trees[group]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	return r.Refresh(ctx, group)
}

// Cached returns the cached tree without contacting the coordinator.
func (r *Registry) Cached(group string) (*Tree, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[group]
	return t, ok
}

// Refresh reloads group from the source. A cached tree whose published
// version is not older than the loaded one is kept.
func (r *Registry) Refresh(ctx context.Context, group string) (*Tree, error) {
	snap, err := r.source.ReadPartitionTree(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("read partition tree of %s: %w", group, err)
	}
	loaded, err := FromSnapshot(snap)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if current, ok := r.trees[group]; ok && current.Version() >= loaded.Version() {
		r.mu.Unlock()
		return current, nil
	}
	r.trees[group] = loaded
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	r.logger.Info("Installed partition tree",
		zap.String("group", group),
		zap.Uint64("version", loaded.Version()),
		zap.Int("levels", loaded.TotalLevels()))
	for _, l := range listeners {
		l(group, loaded)
	}
	return loaded, nil
}

// Put installs tree unconditionally.
func (r *Registry) Put(tree *Tree) {
	r.mu.Lock()
	r.trees[tree.Group()] = tree
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, l := range listeners {
		l(tree.Group(), tree)
	}
}

// Invalidate drops the cached tree of group.
func (r *Registry) Invalidate(group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trees, group)
}

// Groups returns the names of all cached groups, sorted.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.trees))
	for g := range r.trees {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// Watch applies tree events until ctx is done or events is closed.
func (r *Registry) Watch(ctx context.Context, events <-chan TreeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Deleted {
				r.Invalidate(ev.Group)
				continue
			}
			if t, ok := r.Cached(ev.Group); ok && t.Version() >= ev.Version {
				continue
			}
			if _, err := r.Refresh(ctx, ev.Group); err != nil {
				r.logger.Warn("Failed to refresh partition tree",
					zap.String("group", ev.Group), zap.Error(err))
			}
		}
	}
}
