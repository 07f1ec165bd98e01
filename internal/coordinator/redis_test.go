package coordinator

import (
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/devrev/bboxkv/internal/errors"
	"github.com/devrev/bboxkv/internal/partition"
)

func TestRedisKeyLayout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	c := NewRedisCoordinatorFromClient(client, "", zap.NewNop())

	assert.Equal(t, "bboxkv:groups", c.groupsKey())
	assert.Equal(t, "bboxkv:group:geo:tree", c.treeKey("geo"))
	assert.Equal(t, "bboxkv:group:geo:next-region", c.regionSeqKey("geo"))
	assert.Equal(t, "bboxkv:group:geo:checkpoint:12", c.checkpointKey("geo", 12))
	assert.Equal(t, "bboxkv:events:trees", c.treeChannel())
}

func TestRedisErrorsAreRetryable(t *testing.T) {
	err := unavailable("read tree", fmt.Errorf("dial tcp: connection refused"))
	assert.Equal(t, errors.ErrCodeCoordinatorUnavailable, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))

	// Storage errors pass through unchanged.
	conflict := errors.VersionConflict("geo", 1, 2)
	assert.Same(t, conflict, unavailable("publish", conflict))
}

func TestTreeEventEncoding(t *testing.T) {
	assert.JSONEq(t, `{"Group":"geo","Version":3,"Deleted":false}`,
		encodeTreeEvent(partition.TreeEvent{Group: "geo", Version: 3}))
}

func TestSortedStringsLeavesInputAlone(t *testing.T) {
	members := []string{"lines", "areas", "points"}
	assert.Equal(t, []string{"areas", "lines", "points"}, sortedStrings(members))
	assert.Equal(t, []string{"lines", "areas", "points"}, members)
	assert.Empty(t, sortedStrings(nil))
}
