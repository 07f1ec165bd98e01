package coordinator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/model"
	"github.com/devrev/bboxkv/internal/partition"
)

// RedisConfig holds connection settings of the Redis coordinator
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisCoordinator stores metadata in Redis. Tree publication is a
// WATCH/MULTI compare-and-set on the tree key; watches use pub/sub.
type RedisCoordinator struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisCoordinator connects to Redis and verifies the connection
func NewRedisCoordinator(ctx context.Context, cfg *RedisConfig, logger *zap.Logger) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.CoordinatorUnavailable("connect", fmt.Errorf("failed to connect to Redis: %w", err))
	}
	return NewRedisCoordinatorFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisCoordinatorFromClient wraps an existing client.
func NewRedisCoordinatorFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisCoordinator {
	if prefix == "" {
		prefix = "bboxkv"
	}
	return &RedisCoordinator{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCoordinator) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *RedisCoordinator) groupsKey() string           { return c.key("groups") }
func (c *RedisCoordinator) groupKey(g string) string    { return c.key("group", g) }
func (c *RedisCoordinator) treeKey(g string) string     { return c.key("group", g, "tree") }
func (c *RedisCoordinator) regionSeqKey(g string) string { return c.key("group", g, "next-region") }
func (c *RedisCoordinator) tablesKey(g string) string   { return c.key("group", g, "tables") }
func (c *RedisCoordinator) nodesKey() string            { return c.key("nodes") }
func (c *RedisCoordinator) treeChannel() string         { return c.key("events", "trees") }
func (c *RedisCoordinator) memberChannel() string       { return c.key("events", "members") }

func (c *RedisCoordinator) checkpointKey(g string, regionID int64) string {
	return c.key("group", g, "checkpoint", strconv.FormatInt(regionID, 10))
}

func unavailable(op string, err error) error {
	if errors.IsStorageError(err) {
		return err
	}
	return errors.CoordinatorUnavailable(op, err)
}

// GetDistributionGroupConfig implements Coordinator.
func (c *RedisCoordinator) GetDistributionGroupConfig(ctx context.Context, group string) (*GroupConfig, error) {
	data, err := c.client.Get(ctx, c.groupKey(group)).Bytes()
	if err == redis.Nil {
		return nil, errors.GroupNotFound(group)
	}
	if err != nil {
		return nil, unavailable("get group config", err)
	}
	var cfg GroupConfig
	if err := msgpack.Unmarshal(data, &cfg); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("group config of %s", group), err)
	}
	return &cfg, nil
}

// ListDistributionGroups implements Coordinator.
func (c *RedisCoordinator) ListDistributionGroups(ctx context.Context) ([]string, error) {
	groups, err := c.client.SMembers(ctx, c.groupsKey()).Result()
	if err != nil {
		return nil, unavailable("list groups", err)
	}
	return sortedStrings(groups), nil
}

// CreateDistributionGroup implements Coordinator.
func (c *RedisCoordinator) CreateDistributionGroup(ctx context.Context, cfg GroupConfig, owners []model.NodeID) (*GroupConfig, error) {
	tree, err := partition.NewTree(cfg.Name, cfg.Dimensions, owners)
	if err != nil {
		return nil, errors.InvalidArgument("invalid distribution group", err)
	}
	cfg.Version = uuid.NewString()
	cfgData, err := msgpack.Marshal(&cfg)
	if err != nil {
		return nil, errors.InternalError("failed to encode group config", err)
	}
	snap := tree.PublishSnapshot()
	treeData, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.InternalError("failed to encode partition tree", err)
	}

	created, err := c.client.SetNX(ctx, c.groupKey(cfg.Name), cfgData, 0).Result()
	if err != nil {
		return nil, unavailable("create group", err)
	}
	if !created {
		return nil, errors.InvalidArgument(fmt.Sprintf("distribution group %s already exists", cfg.Name), nil)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.treeKey(cfg.Name), treeData, 0)
		pipe.Set(ctx, c.regionSeqKey(cfg.Name), snap.NextRegionID-1, 0)
		pipe.Del(ctx, c.tablesKey(cfg.Name))
		pipe.SAdd(ctx, c.groupsKey(), cfg.Name)
		pipe.Publish(ctx, c.treeChannel(), encodeTreeEvent(partition.TreeEvent{Group: cfg.Name, Version: snap.Version}))
		return nil
	})
	if err != nil {
		return nil, unavailable("create group", err)
	}
	c.logger.Info("Created distribution group",
		zap.String("group", cfg.Name),
		zap.Int("dimensions", cfg.Dimensions),
		zap.String("version", cfg.Version))
	return &cfg, nil
}

// DeleteDistributionGroup implements Coordinator.
func (c *RedisCoordinator) DeleteDistributionGroup(ctx context.Context, group string) error {
	if _, err := c.GetDistributionGroupConfig(ctx, group); err != nil {
		return err
	}
	checkpoints, err := c.client.Keys(ctx, c.key("group", group, "checkpoint", "*")).Result()
	if err != nil {
		return unavailable("delete group", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, append([]string{c.groupKey(group), c.treeKey(group), c.regionSeqKey(group), c.tablesKey(group)}, checkpoints...)...)
		pipe.SRem(ctx, c.groupsKey(), group)
		pipe.Publish(ctx, c.treeChannel(), encodeTreeEvent(partition.TreeEvent{Group: group, Deleted: true}))
		return nil
	})
	return unavailableOrNil("delete group", err)
}

func unavailableOrNil(op string, err error) error {
	if err == nil {
		return nil
	}
	return unavailable(op, err)
}

// GetGroupVersion implements Coordinator.
func (c *RedisCoordinator) GetGroupVersion(ctx context.Context, group string) (string, error) {
	cfg, err := c.GetDistributionGroupConfig(ctx, group)
	if err != nil {
		return "", err
	}
	return cfg.Version, nil
}

// CreateTable implements Coordinator.
func (c *RedisCoordinator) CreateTable(ctx context.Context, group, table string) error {
	if _, err := c.GetDistributionGroupConfig(ctx, group); err != nil {
		return err
	}
	return unavailableOrNil("create table", c.client.SAdd(ctx, c.tablesKey(group), table).Err())
}

// ListTables implements Coordinator.
func (c *RedisCoordinator) ListTables(ctx context.Context, group string) ([]string, error) {
	tables, err := c.client.SMembers(ctx, c.tablesKey(group)).Result()
	if err != nil {
		return nil, unavailable("list tables", err)
	}
	return sortedStrings(tables), nil
}

// ReadPartitionTree implements partition.TreeSource.
func (c *RedisCoordinator) ReadPartitionTree(ctx context.Context, group string) (*partition.Snapshot, error) {
	data, err := c.client.Get(ctx, c.treeKey(group)).Bytes()
	if err == redis.Nil {
		return nil, errors.GroupNotFound(group)
	}
	if err != nil {
		return nil, unavailable("read partition tree", err)
	}
	var snap partition.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("partition tree of %s", group), err)
	}
	return &snap, nil
}

// PublishPartitionTree implements Coordinator.
func (c *RedisCoordinator) PublishPartitionTree(ctx context.Context, snap *partition.Snapshot) error {
	if _, err := partition.FromSnapshot(snap); err != nil {
		return errors.InvalidArgument("malformed partition tree", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.InternalError("failed to encode partition tree", err)
	}

	key := c.treeKey(snap.Group)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errors.GroupNotFound(snap.Group)
		}
		if err != nil {
			return err
		}
		var published partition.Snapshot
		if err := json.Unmarshal(current, &published); err != nil {
			return errors.CorruptedData(fmt.Sprintf("partition tree of %s", snap.Group), err)
		}
		if published.Version != snap.BaseVersion || snap.Version <= published.Version {
			return errors.VersionConflict(snap.Group, snap.BaseVersion, published.Version)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Publish(ctx, c.treeChannel(), encodeTreeEvent(partition.TreeEvent{Group: snap.Group, Version: snap.Version}))
			return nil
		})
		return err
	}, key)
	if stderrors.Is(err, redis.TxFailedErr) {
		// The key changed between WATCH and EXEC.
		return errors.VersionConflict(snap.Group, snap.BaseVersion, 0)
	}
	return unavailableOrNil("publish partition tree", err)
}

// NextRegionID implements Coordinator.
func (c *RedisCoordinator) NextRegionID(ctx context.Context, group string) (int64, error) {
	id, err := c.client.Incr(ctx, c.regionSeqKey(group)).Result()
	if err != nil {
		return 0, unavailable("next region id", err)
	}
	return id, nil
}

// WatchPartitionTrees implements Coordinator.
func (c *RedisCoordinator) WatchPartitionTrees(ctx context.Context) (<-chan partition.TreeEvent, error) {
	sub := c.client.Subscribe(ctx, c.treeChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable("watch partition trees", err)
	}
	out := make(chan partition.TreeEvent, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev partition.TreeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					c.logger.Warn("Dropping malformed tree event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func encodeTreeEvent(ev partition.TreeEvent) string {
	data, _ := json.Marshal(ev)
	return string(data)
}

// RegisterNode implements Coordinator.
func (c *RedisCoordinator) RegisterNode(ctx context.Context, info model.NodeInfo) error {
	return c.putNode(ctx, info, MemberJoined)
}

func (c *RedisCoordinator) putNode(ctx context.Context, info model.NodeInfo, kind MembershipEventType) error {
	data, err := msgpack.Marshal(&info)
	if err != nil {
		return errors.InternalError("failed to encode node info", err)
	}
	event, err := msgpack.Marshal(&MembershipEvent{Type: kind, Node: info})
	if err != nil {
		return errors.InternalError("failed to encode membership event", err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.nodesKey(), string(info.ID), data)
		pipe.Publish(ctx, c.memberChannel(), event)
		return nil
	})
	return unavailableOrNil("register node", err)
}

// ListNodes implements Coordinator.
func (c *RedisCoordinator) ListNodes(ctx context.Context) ([]model.NodeInfo, error) {
	raw, err := c.client.HGetAll(ctx, c.nodesKey()).Result()
	if err != nil {
		return nil, unavailable("list nodes", err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	out := make([]model.NodeInfo, 0, len(raw))
	for _, id := range sortedStrings(ids) {
		var info model.NodeInfo
		if err := msgpack.Unmarshal([]byte(raw[id]), &info); err != nil {
			return nil, errors.CorruptedData(fmt.Sprintf("node info of %s", id), err)
		}
		out = append(out, info)
	}
	return out, nil
}

// SetLocalNodeState implements Coordinator.
func (c *RedisCoordinator) SetLocalNodeState(ctx context.Context, node model.NodeID, state model.NodeState) error {
	info := model.NodeInfo{ID: node}
	raw, err := c.client.HGet(ctx, c.nodesKey(), string(node)).Bytes()
	switch {
	case err == redis.Nil:
	case err != nil:
		return unavailable("set node state", err)
	default:
		if err := msgpack.Unmarshal(raw, &info); err != nil {
			return errors.CorruptedData(fmt.Sprintf("node info of %s", node), err)
		}
	}
	info.State = state
	return c.putNode(ctx, info, MemberUpdated)
}

// WatchMembership implements Coordinator.
func (c *RedisCoordinator) WatchMembership(ctx context.Context) (<-chan MembershipEvent, error) {
	sub := c.client.Subscribe(ctx, c.memberChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, unavailable("watch membership", err)
	}
	out := make(chan MembershipEvent, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev MembershipEvent
				if err := msgpack.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					c.logger.Warn("Dropping malformed membership event", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// checkpointScript raises a checkpoint without ever lowering it.
var checkpointScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if tonumber(ARGV[2]) > current then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
return 1
`)

// SetRegionCheckpoint implements Coordinator.
func (c *RedisCoordinator) SetRegionCheckpoint(ctx context.Context, group string, regionID int64, node model.NodeID, checkpoint int64) error {
	err := checkpointScript.Run(ctx, c.client, []string{c.checkpointKey(group, regionID)}, string(node), checkpoint).Err()
	return unavailableOrNil("set region checkpoint", err)
}

// GetRegionCheckpoints implements Coordinator.
func (c *RedisCoordinator) GetRegionCheckpoints(ctx context.Context, group string, regionID int64) (map[model.NodeID]int64, error) {
	raw, err := c.client.HGetAll(ctx, c.checkpointKey(group, regionID)).Result()
	if err != nil {
		return nil, unavailable("get region checkpoints", err)
	}
	out := make(map[model.NodeID]int64, len(raw))
	for node, v := range raw {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.CorruptedData(fmt.Sprintf("checkpoint of %s", node), err)
		}
		out[model.NodeID(node)] = ts
	}
	return out, nil
}

// Close implements Coordinator.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// sortedStrings returns a sorted copy; Redis sets are unordered.
func sortedStrings(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
