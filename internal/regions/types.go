// 包 regions：区域查询服务适配层（区域目录、作物匹配、坐标分析与三类增强分析）
package regions

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"terra-engine/internal/coord"
)

// DefaultTopN 作物匹配默认返回条数
const DefaultTopN = 5

// 文档注释：文本字段（字符串或数值）
// 背景：后端以 CharField 存储海拔、pH、含量等指标，但不同接口可能下发数值；统一按文本保存原样展示。
// 约束：其他 JSON 类型按原始文本保存，不使整批解码失败。
type Field string

func (f *Field) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Field(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		*f = Field(b)
		return nil
	}
	*f = Field(n.String())
	return nil
}

// Float 尝试将字段解析为数值
func (f Field) Float() (float64, bool) {
	v, err := strconv.ParseFloat(string(f), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// 文档注释：区域（目录中的火星地点）
// 背景：名称在同一结果集内唯一；获取后不可变，界面层只引用不复制修改。
type Region struct {
	ID                int         `json:"id,omitempty"`
	Name              string      `json:"name"`
	Latitude          coord.Value `json:"latitude"`
	Longitude         coord.Value `json:"longitude"`
	Elevation         Field       `json:"elevation,omitempty"`
	PH                Field       `json:"ph,omitempty"`
	PerchlorateWtPct  Field       `json:"perchlorate_wt_pct,omitempty"`
	WaterReleaseWtPct Field       `json:"water_release_wt_pct,omitempty"`
	MajorMinerals     Field       `json:"major_minerals,omitempty"`
	TerrainType       Field       `json:"terrain_type,omitempty"`
	Notes             Field       `json:"notes,omitempty"`
}

// RankedMatch 包装区域引用、评分与理由；仅作为 CropMatchResult 的一部分产生
type RankedMatch struct {
	Region  *Region  `json:"region"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// KeyFactors 列表视图只展示前三条理由
func (m RankedMatch) KeyFactors() []string {
	if len(m.Reasons) > 3 {
		return m.Reasons[:3]
	}
	return m.Reasons
}

// Reason 带色调的理由（详情面板）
type Reason struct {
	Text string `json:"text"`
	Tone string `json:"tone"`
}

// Toned 为全部理由标注色调，顺序不变
func (m RankedMatch) Toned() []Reason {
	out := make([]Reason, 0, len(m.Reasons))
	for _, r := range m.Reasons {
		out = append(out, Reason{Text: r, Tone: ReasonTone(r)})
	}
	return out
}

// 文档注释：作物匹配结果
// 约束：Matches 按评分降序，插入顺序即排名；len(Matches) <= TopN。
type CropMatchResult struct {
	Crop    string        `json:"crop"`
	Matches []RankedMatch `json:"top_matches"`
	TopN    int           `json:"top_n"`
}

// Find 按名称查找排名条目
func (r *CropMatchResult) Find(name string) (RankedMatch, bool) {
	if r == nil {
		return RankedMatch{}, false
	}
	for _, m := range r.Matches {
		if m.Region != nil && m.Region.Name == name {
			return m, true
		}
	}
	return RankedMatch{}, false
}

// bound 保证降序与上限；稳定排序不改变同分条目的到达顺序
func (r *CropMatchResult) bound() {
	if r.TopN <= 0 {
		r.TopN = DefaultTopN
	}
	sort.SliceStable(r.Matches, func(i, j int) bool { return r.Matches[i].Score > r.Matches[j].Score })
	if len(r.Matches) > r.TopN {
		r.Matches = r.Matches[:r.TopN]
	}
	if r.Matches == nil {
		r.Matches = []RankedMatch{}
	}
}

// Crop 作物目录条目（用于查询提示）
type Crop struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	Germination      Field  `json:"germination,omitempty"`
	Biomass          Field  `json:"biomass,omitempty"`
	PreferredPHRange Field  `json:"preferred_ph_range,omitempty"`
	SoilTexture      Field  `json:"soil_texture,omitempty"`
	TemperatureRange Field  `json:"temperature_range,omitempty"`
	MoistureRegime   Field  `json:"moisture_regime,omitempty"`
}

// 文档注释：AI 分析结果
// 背景：enabled=false 表示后端未配置 AI，仍返回算法兜底文本；视为成功结果。
type Insight struct {
	Analysis            string `json:"analysis"`
	RecommendationLevel string `json:"recommendation_level,omitempty"`
	Enabled             bool   `json:"enabled"`
	Message             string `json:"message,omitempty"`
}

// 文档注释：成本分析
// 背景：breakdown 为后端生成的分项明细，结构不固定，按原样保留。
type CostBreakdown struct {
	OneTimeCost         json.RawMessage            `json:"one_time_cost,omitempty"`
	AnnualSustainedCost json.RawMessage            `json:"annual_sustained_cost,omitempty"`
	Breakdown           map[string]json.RawMessage `json:"breakdown,omitempty"`
	Note                string                     `json:"note,omitempty"`
}

// AnalysisRequest 区域分析与成本分析共用的请求键
type AnalysisRequest struct {
	RegionName string  `json:"region_name"`
	CropName   string  `json:"crop_name"`
	Score      float64 `json:"score"`
}

// Turn 问答历史中的一轮
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// QuestionRequest 追问请求，携带完整历史以便回答引用前文
type QuestionRequest struct {
	Question            string  `json:"question"`
	CropName            string  `json:"crop_name"`
	RegionName          string  `json:"region_name"`
	Score               float64 `json:"score"`
	ConversationHistory []Turn  `json:"conversation_history"`
}

// 文档注释：坐标分析结果
// 背景：地图空白处点击触发，返回区域形态的地点记录与评分，并附带 AI 与成本分析。
type LocationAnalysis struct {
	Location           Region          `json:"location"`
	CompatibilityScore float64         `json:"compatibility_score"`
	Reasons            []string        `json:"reasons,omitempty"`
	Insight            *Insight        `json:"ai_insights,omitempty"`
	Cost               *CostBreakdown  `json:"cost_analysis,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

// 文档注释：合成单元素匹配结果
// 背景：让点击得到的地点与目录区域走同一条流水线（排名、评分分档、增强分析）。
func (a *LocationAnalysis) AsMatchResult(crop string) *CropMatchResult {
	loc := a.Location
	return &CropMatchResult{
		Crop:    crop,
		Matches: []RankedMatch{{Region: &loc, Score: a.CompatibilityScore, Reasons: a.Reasons}},
		TopN:    1,
	}
}
