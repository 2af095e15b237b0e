package regions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"terra-engine/internal/coord"
	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"
	"terra-engine/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// 文档注释：非成功响应错误
// 背景：后端以 {"error": "..."} 描述失败原因；保留调用名与状态码，供面板按槽位展示。
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Code)
}

// IsNotFound 判断错误是否为 404（作物或区域不存在）
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// 文档注释：区域服务 REST 客户端
// 背景：对接评分/AI/成本后端的六个只读或分析接口；每次调用记录指标、日志与追踪 span。
// 约束：不做自动重试（失败需可见）；超时由传入的 http.Client 与 ctx 共同控制。
type Client struct {
	base   string
	hc     *http.Client
	tracer trace.Tracer
}

// NewClient 创建客户端；hc 为空时使用 30s 超时的默认客户端
func NewClient(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), hc: hc, tracer: tracing.Tracer("terra-engine/regions")}
}

// ListRegions 返回完整区域目录（探索模式）
func (c *Client) ListRegions(ctx context.Context) ([]Region, error) {
	var out []Region
	if err := c.do(ctx, "list_regions", http.MethodGet, "/regions/list_regions/", nil, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Region{}
	}
	return out, nil
}

type matchRow struct {
	Region
	RegionID   int      `json:"region_id"`
	RegionName string   `json:"region_name"`
	RegionAlt  string   `json:"region"`
	Score      float64  `json:"score"`
	Reasons    []string `json:"reasons"`
}

// 文档注释：作物匹配
// 返回：按评分降序且不超过 topN 的结果；零匹配返回空列表而非错误。
func (c *Client) MatchCrop(ctx context.Context, crop string, topN int) (*CropMatchResult, error) {
	if topN <= 0 {
		topN = DefaultTopN
	}
	q := url.Values{}
	q.Set("crop", crop)
	q.Set("top_n", strconv.Itoa(topN))
	var wire struct {
		Crop       string     `json:"crop"`
		TopMatches []matchRow `json:"top_matches"`
	}
	if err := c.do(ctx, "match_crop", http.MethodGet, "/crops/match_crop/", q, nil, &wire); err != nil {
		return nil, err
	}
	res := &CropMatchResult{Crop: wire.Crop, TopN: topN, Matches: make([]RankedMatch, 0, len(wire.TopMatches))}
	if res.Crop == "" {
		res.Crop = crop
	}
	for _, row := range wire.TopMatches {
		reg := row.Region
		if row.RegionID != 0 {
			reg.ID = row.RegionID
		}
		switch {
		case row.RegionName != "":
			reg.Name = row.RegionName
		case row.RegionAlt != "":
			reg.Name = row.RegionAlt
		}
		res.Matches = append(res.Matches, RankedMatch{Region: &reg, Score: row.Score, Reasons: row.Reasons})
	}
	res.bound()
	return res, nil
}

// AnalyzeLocation 分析地图上任意一点对作物的适宜性
func (c *Client) AnalyzeLocation(ctx context.Context, lat, lon float64, crop string) (*LocationAnalysis, error) {
	body := map[string]any{"latitude": lat, "longitude": lon, "crop_name": crop}
	var out LocationAnalysis
	if err := c.do(ctx, "analyze_location", http.MethodPost, "/regions/analyze_location/", nil, body, &out); err != nil {
		return nil, err
	}
	if out.Location.Latitude.IsZero() {
		out.Location.Latitude = coord.Number(lat)
	}
	if out.Location.Longitude.IsZero() {
		out.Location.Longitude = coord.Number(lon)
	}
	return &out, nil
}

// AnalyzeRegion 获取 AI 分析
func (c *Client) AnalyzeRegion(ctx context.Context, req AnalysisRequest) (*Insight, error) {
	var wire struct {
		Insight *Insight `json:"ai_insights"`
	}
	if err := c.do(ctx, "analyze_region", http.MethodPost, "/regions/analyze_region/", nil, req, &wire); err != nil {
		return nil, err
	}
	if wire.Insight == nil {
		return nil, errors.New("analyze_region: response missing ai_insights")
	}
	if wire.Insight.RecommendationLevel == "" {
		wire.Insight.RecommendationLevel = RecommendationLevel(req.Score)
	}
	return wire.Insight, nil
}

// AnalyzeCosts 获取成本分析
func (c *Client) AnalyzeCosts(ctx context.Context, req AnalysisRequest) (*CostBreakdown, error) {
	var wire struct {
		Cost *CostBreakdown `json:"cost_analysis"`
	}
	if err := c.do(ctx, "analyze_costs", http.MethodPost, "/regions/analyze_costs/", nil, req, &wire); err != nil {
		return nil, err
	}
	if wire.Cost == nil {
		return nil, errors.New("analyze_costs: response missing cost_analysis")
	}
	return wire.Cost, nil
}

// AskQuestion 追问；历史为空时发送空数组而非 null
func (c *Client) AskQuestion(ctx context.Context, req QuestionRequest) (string, error) {
	if req.ConversationHistory == nil {
		req.ConversationHistory = []Turn{}
	}
	var wire struct {
		Answer string `json:"answer"`
	}
	if err := c.do(ctx, "ask_question", http.MethodPost, "/regions/ask_question/", nil, req, &wire); err != nil {
		return "", err
	}
	if wire.Answer == "" {
		wire.Answer = "No answer available"
	}
	return wire.Answer, nil
}

// ListCrops 作物目录，用于查询提示
func (c *Client) ListCrops(ctx context.Context) ([]Crop, error) {
	var out []Crop
	if err := c.do(ctx, "list_crops", http.MethodGet, "/crops/list_crops/", nil, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Crop{}
	}
	return out, nil
}

// 文档注释：统一请求流程
// 背景：与外部数据源调用保持同一模式：计数 → 请求 → 状态判定 → 解码 → 记录耗时。
// 异常：传输错误原样包装返回；非 2xx 返回 *StatusError；解码失败计为失败。
func (c *Client) do(ctx context.Context, call, method, path string, q url.Values, body any, out any) error {
	ctx, span := c.tracer.Start(ctx, "regions."+call, trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()
	fail := func(err error) error {
		metrics.FetchFailTotal.WithLabelValues(call).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fail(fmt.Errorf("%s: encode request: %w", call, err))
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", call, err))
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	t0 := time.Now()
	metrics.FetchRequestsTotal.WithLabelValues(call).Inc()
	logger.L().Debug("region_fetch_begin", "call", call, "url", u)
	resp, err := c.hc.Do(req)
	if err != nil {
		logger.L().Error("region_fetch_http_error", "call", call, "err", err)
		return fail(fmt.Errorf("%s: %w", call, err))
	}
	defer resp.Body.Close()
	dur := time.Since(t0).Milliseconds()
	metrics.FetchDurationMs.WithLabelValues(call).Observe(float64(dur))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Op: call, Code: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) == nil {
			se.Message = eb.Error
		}
		logger.L().Warn("region_fetch_status", "call", call, "status", resp.StatusCode, "msg", se.Message, "duration_ms", dur)
		return fail(se)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		logger.L().Error("region_fetch_decode_error", "call", call, "err", err)
		return fail(fmt.Errorf("%s: decode response: %w", call, err))
	}
	logger.L().Debug("region_fetch_done", "call", call, "status", resp.StatusCode, "duration_ms", dur)
	return nil
}
