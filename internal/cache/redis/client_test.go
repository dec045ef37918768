package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestKeyNamespace(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	assert.Equal(t, "streambet:lock:oracle:cycle", Wrap(rdb, "").key("lock", "oracle:cycle"))
	assert.Equal(t, "bets:market:m1", Wrap(rdb, "bets:").key("market", "m1"))
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, slidingWindowLua, "ZADD")
}

func TestConstructorDefaults(t *testing.T) {
	c := Wrap(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	defer c.Close()

	assert.Equal(t, DefaultMarketTTL, NewMarketCache(c, 0).ttl)
	assert.Equal(t, DefaultStreamMaxLen, NewSignalBus(c, 0).maxLen)
}
