package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/validation"
)

// StorageRegistryConfig holds the storage roots and per-engine settings
type StorageRegistryConfig struct {
	Directories      []string
	Engine           EngineConfig
	AgeCheckInterval time.Duration
}

// StorageRegistry owns every storage engine of the node. Engines live at
// <root>/<group>/<table>_<regionid> for one of the configured roots.
type StorageRegistry struct {
	config *StorageRegistryConfig
	deps   EngineDeps
	logger *zap.Logger

	mu       sync.RWMutex
	engines  map[model.TableName]*Engine
	location map[model.TableName]string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStorageRegistry scans the storage roots and opens every engine found,
// rebuilding the table to directory mapping without the coordinator.
func NewStorageRegistry(cfg *StorageRegistryConfig, deps EngineDeps) (*StorageRegistry, error) {
	if len(cfg.Directories) == 0 {
		return nil, fmt.Errorf("at least one storage directory is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.AgeCheckInterval <= 0 {
		cfg.AgeCheckInterval = 10 * time.Second
	}
	r := &StorageRegistry{
		config:   cfg,
		deps:     deps,
		logger:   deps.Logger,
		engines:  make(map[model.TableName]*Engine),
		location: make(map[model.TableName]string),
		stopCh:   make(chan struct{}),
	}
	for _, root := range cfg.Directories {
		if err := r.scanRoot(root); err != nil {
			_ = r.closeEngines(context.Background())
			return nil, err
		}
	}
	r.logger.Info("Storage registry initialised",
		zap.Strings("directories", cfg.Directories),
		zap.Int("engines", len(r.engines)))
	return r, nil
}

func (r *StorageRegistry) scanRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", root, err)
	}
	// Tables destroyed before a restart have no readers left.
	if err := os.RemoveAll(filepath.Join(root, trashDir)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", trashDir, err)
	}
	groups, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read storage directory %s: %w", root, err)
	}
	for _, g := range groups {
		if !g.IsDir() || validation.ValidateName(g.Name()) != nil {
			continue
		}
		tables, err := os.ReadDir(filepath.Join(root, g.Name()))
		if err != nil {
			return fmt.Errorf("failed to read group directory: %w", err)
		}
		for _, t := range tables {
			if !t.IsDir() {
				continue
			}
			name, err := model.ParseTableDir(g.Name(), t.Name())
			if err != nil || validation.ValidateTableName(name) != nil {
				r.logger.Warn("Ignoring unrecognised table directory",
					zap.String("root", root), zap.String("group", g.Name()), zap.String("dir", t.Name()))
				continue
			}
			if prev, dup := r.location[name]; dup {
				return fmt.Errorf("table %s found in both %s and %s", name, prev, root)
			}
			e, err := OpenEngine(name, root, r.tableDir(root, name), &r.config.Engine, r.deps)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", name, err)
			}
			r.engines[name] = e
			r.location[name] = root
		}
	}
	return nil
}

func (r *StorageRegistry) tableDir(root string, name model.TableName) string {
	return filepath.Join(root, name.Group, name.DirName())
}

// Start runs the memtable age check until Close.
func (r *StorageRegistry) Start() {
	if r.config.Engine.MemtableMaxAge <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.AgeCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				for _, e := range r.Engines() {
					if err := e.FlushIfOlder(context.Background(), r.config.Engine.MemtableMaxAge); err != nil {
						r.logger.Warn("Age based flush failed", zap.Stringer("table", e.Name()), zap.Error(err))
					}
				}
			}
		}
	}()
}

// Engine returns the engine of name if it exists locally.
func (r *StorageRegistry) Engine(name model.TableName) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// GetEngine is Engine with a TableNotFound error.
func (r *StorageRegistry) GetEngine(name model.TableName) (*Engine, error) {
	if e, ok := r.Engine(name); ok {
		return e, nil
	}
	return nil, errors.TableNotFound(name.String())
}

// CreateEngine returns the engine of name, creating it on the least loaded
// root when missing.
func (r *StorageRegistry) CreateEngine(name model.TableName) (*Engine, error) {
	if err := validation.ValidateTableName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[name]; ok {
		return e, nil
	}

	counts := make(map[string]int, len(r.config.Directories))
	for _, root := range r.location {
		counts[root]++
	}
	root := r.config.Directories[0]
	for _, d := range r.config.Directories[1:] {
		if counts[d] < counts[root] {
			root = d
		}
	}

	e, err := OpenEngine(name, root, r.tableDir(root, name), &r.config.Engine, r.deps)
	if err != nil {
		return nil, err
	}
	r.engines[name] = e
	r.location[name] = root
	r.logger.Info("Created storage engine", zap.Stringer("table", name), zap.String("root", root))
	return e, nil
}

// DeleteEngine drops the engine of name and removes its files.
func (r *StorageRegistry) DeleteEngine(name model.TableName) error {
	r.mu.Lock()
	e, ok := r.engines[name]
	delete(r.engines, name)
	delete(r.location, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return e.Destroy()
}

// DeleteGroup drops every engine of group and its directories.
func (r *StorageRegistry) DeleteGroup(group string) error {
	var result *multierror.Error
	for _, name := range r.TablesForGroup(group) {
		if err := r.DeleteEngine(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, root := range r.config.Directories {
		if err := os.RemoveAll(filepath.Join(root, group)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	r.logger.Info("Deleted local data of group", zap.String("group", group))
	return nil
}

// Engines returns every engine, in table name order.
func (r *StorageRegistry) Engines() []*Engine {
	return r.filter(func(model.TableName, string) bool { return true })
}

// EnginesForLocation returns the engines stored under root.
func (r *StorageRegistry) EnginesForLocation(root string) []*Engine {
	return r.filter(func(_ model.TableName, loc string) bool { return loc == root })
}

func (r *StorageRegistry) filter(keep func(model.TableName, string) bool) []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Engine
	for name, e := range r.engines {
		if keep(name, r.location[name]) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Engine) int {
		return compareTableNames(a.Name(), b.Name())
	})
	return out
}

func compareTableNames(a, b model.TableName) int {
	switch {
	case a.Group != b.Group:
		if a.Group < b.Group {
			return -1
		}
		return 1
	case a.Table != b.Table:
		if a.Table < b.Table {
			return -1
		}
		return 1
	case a.RegionID < b.RegionID:
		return -1
	case a.RegionID > b.RegionID:
		return 1
	}
	return 0
}

func names(engines []*Engine) []model.TableName {
	out := make([]model.TableName, 0, len(engines))
	for _, e := range engines {
		out = append(out, e.Name())
	}
	return out
}

// TablesForLocation returns the tables stored under root.
func (r *StorageRegistry) TablesForLocation(root string) []model.TableName {
	return names(r.EnginesForLocation(root))
}

// TablesForRegion returns the local tables of one region of group.
func (r *StorageRegistry) TablesForRegion(group string, regionID int64) []model.TableName {
	return names(r.filter(func(n model.TableName, _ string) bool {
		return n.Group == group && n.RegionID == regionID
	}))
}

// TablesForGroup returns every local table of group, system tables included.
func (r *StorageRegistry) TablesForGroup(group string) []model.TableName {
	return names(r.filter(func(n model.TableName, _ string) bool { return n.Group == group }))
}

// Groups returns the groups with local data.
func (r *StorageRegistry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name := range r.engines {
		if !slices.Contains(out, name.Group) {
			out = append(out, name.Group)
		}
	}
	slices.Sort(out)
	return out
}

// RegionSize returns the segment bytes of all local tables of a region.
func (r *StorageRegistry) RegionSize(group string, regionID int64) int64 {
	var n int64
	for _, name := range r.TablesForRegion(group, regionID) {
		if e, ok := r.Engine(name); ok {
			n += e.Size()
		}
	}
	return n
}

// RegionCheckpoint returns the newest durable InsertedAt across the local
// tables of a region, zero when the region holds no data.
func (r *StorageRegistry) RegionCheckpoint(group string, regionID int64) int64 {
	var newest int64
	for _, name := range r.TablesForRegion(group, regionID) {
		if e, ok := r.Engine(name); ok {
			newest = max(newest, e.NewestTimestamp())
		}
	}
	return newest
}

// Directories returns the configured storage roots.
func (r *StorageRegistry) Directories() []string {
	return slices.Clone(r.config.Directories)
}

// FlushAll flushes every engine and waits for completion.
func (r *StorageRegistry) FlushAll(ctx context.Context) error {
	var result *multierror.Error
	for _, e := range r.Engines() {
		if err := e.FlushAndWait(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// Close stops background work, flushes and closes every engine.
func (r *StorageRegistry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return r.closeEngines(ctx)
}

func (r *StorageRegistry) closeEngines(ctx context.Context) error {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[model.TableName]*Engine)
	r.location = make(map[model.TableName]string)
	r.mu.Unlock()

	var result *multierror.Error
	for _, e := range engines {
		if err := e.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	return result.ErrorOrNil()
}
