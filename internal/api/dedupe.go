package api

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"terra-engine/internal/selection"

	"github.com/redis/go-redis/v9"
)

const (
	clickBloomBits = 1 << 16
	clickBloomK    = 4
	clickWindow    = 3 * time.Second
)

// 文档注释：计算布隆过滤器位置
// 参数：data 为参与哈希的字节序列，m 为位图大小，k 为哈希次数。
// 背景：使用 FNV64a 结合索引扰动生成 k 个位置，用于 GetBit/SetBit；适配短周期去重场景。
func bloomPositions(data []byte, m uint32, k int) []int64 {
	pos := make([]int64, k)
	for i := 0; i < k; i++ {
		h := fnv.New64a()
		h.Write([]byte{byte(i)})
		h.Write(data)
		pos[i] = int64(uint32(h.Sum64() % uint64(m)))
	}
	return pos
}

// 文档注释：检查并写入布隆过滤器位图
// 返回：true 表示首次见到（已写入位图，可继续处理）；false 表示短周期内已出现。
// 异常：Redis 交互错误时返回 error 并放行；rc 为 nil 时总是放行。
func bloomCheckAndSet(ctx context.Context, rc *redis.Client, key string, positions []int64, ttl time.Duration) (bool, error) {
	if rc == nil {
		return true, nil
	}
	seen := true
	for _, p := range positions {
		b, err := rc.GetBit(ctx, key, p).Result()
		if err != nil {
			return true, err
		}
		if b == 0 {
			seen = false
		}
	}
	if seen {
		return false, nil
	}
	for _, p := range positions {
		_, _ = rc.SetBit(ctx, key, p, 1).Result()
	}
	_ = rc.Expire(ctx, key, ttl).Err()
	return true, nil
}

// 文档注释：坐标点击短周期去重
// 背景：坐标分析会触发 AI 与成本计算，同一会话在短时间内重复点击同一位置（双击、重发）只处理一次。
// 约束：坐标按 4 位小数取整后参与哈希；按会话与时间窗分桶，窗口结束后自然过期。
func clickOnce(ctx context.Context, rc *redis.Client, sessionID string, lat, lon float64) (bool, error) {
	if rc == nil {
		return true, nil
	}
	bucket := time.Now().Unix() / int64(clickWindow/time.Second)
	key := "terra:click:" + sessionID + ":" + strconv.FormatInt(bucket, 10)
	data := []byte(pointKey(lat, lon))
	return bloomCheckAndSet(ctx, rc, key, bloomPositions(data, clickBloomBits, clickBloomK), 2*clickWindow)
}

func pointKey(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lon, 'f', 4, 64)
}

// 文档注释：判断点击是否为重复点击
// 约束：只有同一位置的分析仍在进行，或该位置已成为当前选中时才参与去重；失败或被取代后的重试总是放行。
func repeatOf(s selection.Snapshot, lat, lon float64) bool {
	key := pointKey(lat, lon)
	if c := s.Click; c != nil {
		return c.Status == selection.LoadPending && pointKey(c.Latitude, c.Longitude) == key
	}
	if s.Selected == nil || !s.Selected.UserResearched || s.Selected.Region == nil {
		return false
	}
	la, ok1 := s.Selected.Region.Latitude.Degrees()
	lo, ok2 := s.Selected.Region.Longitude.Degrees()
	return ok1 && ok2 && pointKey(la, lo) == key
}
