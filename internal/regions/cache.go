package regions

import (
	"container/list"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// 文档注释：本地 LRU 缓存（序列化响应为值）
// 背景：区域目录与作物匹配在短周期内被多个会话重复查询，进程内缓存降低后端压力；TTL 可调。
// 约束：值保存为 JSON 字节，命中时重新解码，保证调用方拿到的是独立副本。
type LRU struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	lst  *list.List
	dict map[string]*list.Element
}

type entry struct {
	k   string
	v   []byte
	exp time.Time
}

func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 256
	}
	return &LRU{cap: capacity, ttl: ttl, lst: list.New(), dict: make(map[string]*list.Element)}
}

func (c *LRU) Get(k string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.dict[k]
	if !ok {
		return nil, false
	}
	it := e.Value.(entry)
	if time.Now().Before(it.exp) {
		c.lst.MoveToFront(e)
		return it.v, true
	}
	c.lst.Remove(e)
	delete(c.dict, k)
	return nil, false
}

func (c *LRU) Set(k string, v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := entry{k: k, v: v, exp: time.Now().Add(c.ttl)}
	if e, ok := c.dict[k]; ok {
		e.Value = it
		c.lst.MoveToFront(e)
		return
	}
	c.dict[k] = c.lst.PushFront(it)
	for c.lst.Len() > c.cap {
		back := c.lst.Back()
		delete(c.dict, back.Value.(entry).k)
		c.lst.Remove(back)
	}
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lst.Len()
}

// 文档注释：带缓存的区域服务
// 背景：只读且确定的两类请求（目录、作物匹配）先查本地 LRU，再查 Redis，最后回源；AI 类分析不缓存。
// 约束：rc 为 nil 时跳过 Redis 层；缓存读写错误只记录日志，不影响回源结果。
type Cached struct {
	*Client
	local *LRU
	rc    *redis.Client
	ttl   time.Duration
}

func NewCached(c *Client, local *LRU, rc *redis.Client, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cached{Client: c, local: local, rc: rc, ttl: ttl}
}

func (c *Cached) ListRegions(ctx context.Context) ([]Region, error) {
	var out []Region
	if c.lookup(ctx, "terra:regions:list", &out) {
		return out, nil
	}
	out, err := c.Client.ListRegions(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, "terra:regions:list", out)
	return out, nil
}

func (c *Cached) MatchCrop(ctx context.Context, crop string, topN int) (*CropMatchResult, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}
	key := "terra:match:" + strings.ToLower(strings.TrimSpace(crop)) + ":" + strconv.Itoa(topN)
	var out CropMatchResult
	if c.lookup(ctx, key, &out) {
		out.bound()
		return &out, nil
	}
	res, err := c.Client.MatchCrop(ctx, crop, topN)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, res)
	return res, nil
}

func (c *Cached) lookup(ctx context.Context, key string, out any) bool {
	if c.local != nil {
		if b, ok := c.local.Get(key); ok && json.Unmarshal(b, out) == nil {
			metrics.CacheHitsTotal.WithLabelValues("local").Inc()
			return true
		}
		metrics.CacheMissesTotal.WithLabelValues("local").Inc()
	}
	if c.rc == nil {
		return false
	}
	s, err := c.rc.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			logger.L().Debug("region_cache_redis_error", "key", key, "err", err)
		}
		metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		return false
	}
	if json.Unmarshal([]byte(s), out) != nil {
		metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		return false
	}
	metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
	if c.local != nil {
		c.local.Set(key, []byte(s))
	}
	return true
}

func (c *Cached) store(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if c.local != nil {
		c.local.Set(key, b)
	}
	if c.rc != nil {
		if err := c.rc.Set(ctx, key, string(b), c.ttl).Err(); err != nil {
			logger.L().Debug("region_cache_redis_set_error", "key", key, "err", err)
		}
	}
}
