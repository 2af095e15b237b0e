package selection

import (
	"fmt"
	"strings"
	"sync"

	"terra-engine/internal/regions"

	"golang.org/x/text/unicode/norm"
)

// ResearchedRegion 用户在地图空白处分析过的地点
type ResearchedRegion struct {
	Region  *regions.Region `json:"region"`
	Crop    string          `json:"crop"`
	Score   float64         `json:"score"`
	Reasons []string        `json:"reasons"`
}

// Match 以排名条目的形式表示，供列表与选中流程统一处理
func (r ResearchedRegion) Match() *regions.RankedMatch {
	return &regions.RankedMatch{Region: r.Region, Score: r.Score, Reasons: r.Reasons}
}

// Key 名称归一化：去首尾空白、小写、NFKC，避免全角/组合字符造成重复
func Key(s string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(s)))
}

// DerivedName 后端未给出名称时按坐标派生
func DerivedName(name string, lat, lon float64) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return fmt.Sprintf("Custom Location (%.4f, %.4f)", lat, lon)
}

// 文档注释：用户分析地点集合（只追加）
// 约束：按派生名称归一化后去重；同名地点重复分析只保留首次记录，保持插入顺序。
type ResearchedSet struct {
	mu    sync.Mutex
	order []ResearchedRegion
	seen  map[string]struct{}
}

func NewResearchedSet() *ResearchedSet {
	return &ResearchedSet{seen: make(map[string]struct{})}
}

// Add 追加地点；已存在时返回 false
func (s *ResearchedSet) Add(r ResearchedRegion) bool {
	if r.Region == nil {
		return false
	}
	k := Key(r.Region.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[k]; ok {
		return false
	}
	s.seen[k] = struct{}{}
	s.order = append(s.order, r)
	return true
}

func (s *ResearchedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Find 按名称查找
func (s *ResearchedSet) Find(name string) (ResearchedRegion, bool) {
	k := Key(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.order {
		if Key(r.Region.Name) == k {
			return r, true
		}
	}
	return ResearchedRegion{}, false
}

// ForCrop 返回针对指定作物分析过的地点（插入顺序）
func (s *ResearchedSet) ForCrop(crop string) []ResearchedRegion {
	k := Key(crop)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ResearchedRegion, 0, len(s.order))
	for _, r := range s.order {
		if Key(r.Crop) == k {
			out = append(out, r)
		}
	}
	return out
}
