package regions

import "strings"

// 文档注释：评分分档（展示规则）
// 背景：所有匹配项统一按评分显示档位；不是后端字段，每次按需计算，不做缓存。
func Band(score float64) string {
	switch {
	case score >= 5:
		return "Excellent"
	case score >= 3:
		return "Good"
	case score >= 1:
		return "Moderate"
	}
	return "Poor"
}

// RecommendationLevel 后端未给出推荐等级时的本地推导，阈值与 AI 兜底分析一致
func RecommendationLevel(score float64) string {
	switch {
	case score >= 5:
		return "highly_recommended"
	case score >= 3:
		return "recommended"
	case score >= 0:
		return "challenging"
	}
	return "not_recommended"
}

// ReasonTone 按关键词给理由着色：good / moderate / poor / neutral
func ReasonTone(reason string) string {
	r := strings.ToLower(reason)
	// "unsuitable" 包含 "suitable"，先判负面
	switch {
	case strings.Contains(r, "poor") || strings.Contains(r, "unsuitable"):
		return "poor"
	case strings.Contains(r, "good") || strings.Contains(r, "suitable"):
		return "good"
	case strings.Contains(r, "moderate") || strings.Contains(r, "acceptable"):
		return "moderate"
	}
	return "neutral"
}

// Advisory 面板中的种植提示
type Advisory struct {
	Kind    string `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// 文档注释：根据区域条件与评分生成种植提示
// 约束：match 为空时仅依据区域条件；高氯酸盐字段不可解析时跳过该条。
func Advisories(r *Region, match *RankedMatch) []Advisory {
	var out []Advisory
	if r == nil {
		return out
	}
	if p, ok := r.PerchlorateWtPct.Float(); ok && p > 0.5 {
		out = append(out, Advisory{Kind: "warning", Title: "High Perchlorate Content", Message: "Soil treatment required to neutralize perchlorates before planting"})
	}
	if strings.Contains(string(r.PH), "High") {
		out = append(out, Advisory{Kind: "info", Title: "Alkaline Soil", Message: "Consider acidifying treatments or select pH-tolerant crop varieties"})
	}
	if strings.Contains(string(r.TerrainType), "smooth") {
		out = append(out, Advisory{Kind: "success", Title: "Suitable Terrain", Message: "Flat terrain ideal for automated farming equipment and irrigation systems"})
	}
	if match != nil && match.Score < 3 {
		out = append(out, Advisory{Kind: "warning", Title: "Low Compatibility", Message: "Consider alternative crops or extensive soil preparation before planting"})
	}
	return out
}
