// 包 mapview：把状态快照转换为地图图层（GeoJSON 标记）
package mapview

import (
	"terra-engine/internal/coord"
	"terra-engine/internal/regions"
	"terra-engine/internal/selection"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// 文档注释：生成标记图层
// 背景：地图只负责绘制；标记集合由当前列表（排名结果或目录）与该作物下的用户分析地点组成。
// 约束：坐标无法解析的实体直接跳过，不影响其他标记；同名实体只输出一次。
func Markers(s selection.Snapshot) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	selected := ""
	if s.Selected != nil && s.Selected.Region != nil {
		selected = s.Selected.Region.Name
	}
	seen := make(map[string]struct{})
	add := func(r *regions.Region, props geojson.Properties) {
		if r == nil {
			return
		}
		if _, dup := seen[r.Name]; dup {
			return
		}
		p, ok := coord.Point(r.Latitude, r.Longitude)
		if !ok {
			return
		}
		seen[r.Name] = struct{}{}
		f := geojson.NewFeature(p)
		f.Properties = props
		f.Properties["name"] = r.Name
		f.Properties["selected"] = r.Name == selected
		fc.Append(f)
	}
	if s.List.Result != nil {
		for i, m := range s.List.Result.Matches {
			add(m.Region, geojson.Properties{
				"rank":        i + 1,
				"score":       m.Score,
				"band":        regions.Band(m.Score),
				"key_factors": m.KeyFactors(),
				"researched":  false,
			})
		}
	}
	for i := range s.List.Catalog {
		add(&s.List.Catalog[i], geojson.Properties{"researched": false})
	}
	for _, r := range s.List.Researched {
		add(r.Region, geojson.Properties{
			"score":       r.Score,
			"band":        regions.Band(r.Score),
			"key_factors": r.Match().KeyFactors(),
			"researched":  true,
		})
	}
	// 已选中但尚未进入列表的点击地点也输出标记
	if s.Selected != nil && s.Selected.UserResearched {
		props := geojson.Properties{"researched": true}
		if s.Selected.Match != nil {
			props["score"] = s.Selected.Match.Score
			props["band"] = regions.Band(s.Selected.Match.Score)
			props["key_factors"] = s.Selected.Match.KeyFactors()
		}
		add(s.Selected.Region, props)
	}
	return fc
}

// Extent 标记集合的外包框；无标记时返回 false。GET /markers 以此填充 bbox
func Extent(fc *geojson.FeatureCollection) (orb.Bound, bool) {
	if fc == nil || len(fc.Features) == 0 {
		return orb.Bound{}, false
	}
	mp := make(orb.MultiPoint, 0, len(fc.Features))
	for _, f := range fc.Features {
		if p, ok := f.Geometry.(orb.Point); ok {
			mp = append(mp, p)
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}, false
	}
	return mp.Bound(), true
}
