// 包 api：集中注册 HTTP API 路由以解耦主入口；每个会话托管一个选中状态机，浏览器端只负责渲染
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"terra-engine/internal/coord"
	"terra-engine/internal/enrichment"
	"terra-engine/internal/logger"
	"terra-engine/internal/mapview"
	"terra-engine/internal/regions"
	"terra-engine/internal/selection"
	"terra-engine/internal/session"
	"terra-engine/internal/store"
	"terra-engine/internal/viewstate"

	"github.com/paulmach/orb/geojson"
	"github.com/redis/go-redis/v9"
)

// CropLister 作物目录（查询提示）
type CropLister interface {
	ListCrops(ctx context.Context) ([]regions.Crop, error)
}

// Deps 路由依赖；Store 与 Redis 可为空
type Deps struct {
	Sessions *session.Manager
	Crops    CropLister
	Store    *store.Store
	Redis    *redis.Client
	// LongPoll 为 GET /state?since= 的最长等待时间
	LongPoll time.Duration
}

// 文档注释：状态响应
// 背景：快照之外附带相机最近一次动画请求，前端据此驱动地图过渡。
type stateView struct {
	Session string `json:"session"`
	selection.Snapshot
	Camera cameraView `json:"camera"`
}

type cameraView struct {
	View      viewstate.ViewState  `json:"view"`
	Animation *viewstate.Animation `json:"animation,omitempty"`
	Seq       uint64               `json:"seq"`
}

func viewOf(s *session.Session) stateView {
	v := stateView{Session: s.ID, Snapshot: s.Machine.Snapshot()}
	v.Camera.View = s.Camera.View()
	if a, seq := s.Camera.Last(); seq > 0 {
		v.Camera.Animation = &a
		v.Camera.Seq = seq
	}
	return v
}

// 构建并返回 API 路由：独立 ServeMux 便于在主入口挂载到 API 前缀
func BuildRoutes(d Deps) *http.ServeMux {
	if d.LongPoll <= 0 {
		d.LongPoll = 25 * time.Second
	}
	apiMux := http.NewServeMux()

	apiMux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		s, err := d.Sessions.Create()
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("X-Session-ID", s.ID)
		writeJSON(w, http.StatusCreated, viewOf(s))
	})

	apiMux.HandleFunc("DELETE /session", func(w http.ResponseWriter, r *http.Request) {
		if !d.Sessions.Remove(sessionID(r)) {
			writeErr(w, session.ErrNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	apiMux.HandleFunc("GET /state", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		if since, err := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64); err == nil {
			waitChange(r.Context(), s.Machine, since, d.LongPoll)
		}
		writeJSON(w, http.StatusOK, viewOf(s))
	}))

	apiMux.HandleFunc("POST /query", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		var body struct {
			Crop string `json:"crop"`
		}
		if err := decodeOptional(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		crop := body.Crop
		if q := r.URL.Query().Get("crop"); q != "" {
			crop = q
		}
		if err := s.Machine.Query(r.Context(), crop); err != nil {
			writeErr(w, err)
			return
		}
		if d.Store != nil && strings.TrimSpace(crop) != "" {
			if err := d.Store.IncrQueries(r.Context()); err != nil {
				logger.L().Debug("stats_incr_error", "err", err)
			}
		}
		writeJSON(w, http.StatusAccepted, viewOf(s))
	}))

	apiMux.HandleFunc("POST /select", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		var body struct {
			Name string `json:"name"`
		}
		if err := decode(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.Machine.MarkerActivated(body.Name); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(s))
	}))

	apiMux.HandleFunc("POST /click", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		var body struct {
			Latitude  coord.Value `json:"latitude"`
			Longitude coord.Value `json:"longitude"`
		}
		if err := decode(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		lat, ok1 := body.Latitude.Degrees()
		lon, ok2 := body.Longitude.Degrees()
		if !ok1 || !ok2 {
			writeErr(w, errBadRequest("latitude and longitude must be decimal degrees or directional strings"))
			return
		}
		first := true
		if repeatOf(s.Machine.Snapshot(), lat, lon) {
			var err error
			if first, err = clickOnce(r.Context(), d.Redis, s.ID, lat, lon); err != nil {
				logger.L().Debug("click_dedupe_error", "err", err)
			}
		}
		started := false
		if first {
			started = s.Machine.EmptyAreaActivated(r.Context(), lat, lon)
		}
		status := http.StatusOK
		if started {
			status = http.StatusAccepted
		}
		writeJSON(w, status, viewOf(s))
	}))

	apiMux.HandleFunc("POST /close", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		if err := s.Machine.Close(); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(s))
	}))

	apiMux.HandleFunc("POST /ask", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		var body struct {
			Question string `json:"question"`
		}
		if err := decode(r, &body); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.Machine.Ask(r.Context(), body.Question); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, viewOf(s))
	}))

	apiMux.HandleFunc("POST /camera", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		var v viewstate.ViewState
		if err := decode(r, &v); err != nil {
			writeErr(w, err)
			return
		}
		s.Camera.Sync(v)
		w.WriteHeader(http.StatusNoContent)
	}))

	apiMux.HandleFunc("GET /markers", withSession(d, func(w http.ResponseWriter, r *http.Request, s *session.Session) {
		fc := mapview.Markers(s.Machine.Snapshot())
		if bound, ok := mapview.Extent(fc); ok {
			fc.BBox = geojson.NewBBox(bound)
		}
		b, err := fc.MarshalJSON()
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("content-type", "application/geo+json; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write(b)
	}))

	apiMux.HandleFunc("GET /crops", func(w http.ResponseWriter, r *http.Request) {
		crops, err := d.Crops.ListCrops(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, crops)
	})

	apiMux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{"sessions": d.Sessions.Len()}
		if d.Store != nil {
			if t, err := d.Store.GetTotals(r.Context()); err == nil {
				out["totals"] = t
			} else {
				logger.L().Debug("stats_totals_error", "err", err)
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	apiMux.HandleFunc("GET /research", func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, []store.Research{})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		out, err := d.Store.RecentResearch(r.Context(), r.URL.Query().Get("crop"), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	return apiMux
}

// sessionID 会话标识：优先 X-Session-ID 头，其次 session 参数
func sessionID(r *http.Request) string {
	if id := r.Header.Get("X-Session-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}

func withSession(d Deps, h func(http.ResponseWriter, *http.Request, *session.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := d.Sessions.Get(sessionID(r))
		if err != nil {
			writeErr(w, err)
			return
		}
		h(w, r, s)
	}
}

// waitChange 等待状态版本超过 since，或超时/请求结束
func waitChange(ctx context.Context, m *selection.Machine, since uint64, max time.Duration) {
	if m.Version() > since {
		return
	}
	ch, cancel := m.Watch()
	defer cancel()
	t := time.NewTimer(max)
	defer t.Stop()
	for m.Version() <= since {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
		}
	}
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(v); err != nil {
		return errBadRequest(fmt.Sprintf("invalid body: %v", err))
	}
	return nil
}

// decodeOptional 允许空请求体
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decode(r, v)
}

// 文档注释：错误到状态码的映射
// 约束：响应体统一为 {"error": "..."}；上游服务错误返回 502 并携带其原始消息。
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var se *regions.StatusError
	var br errBadRequest
	switch {
	case errors.As(err, &br), errors.Is(err, enrichment.ErrEmptyQuestion):
		code = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, selection.ErrUnknownRegion):
		code = http.StatusNotFound
	case errors.Is(err, enrichment.ErrInsightNotReady), errors.Is(err, enrichment.ErrQuestionPending), errors.Is(err, enrichment.ErrNoSelection):
		code = http.StatusConflict
	case errors.Is(err, selection.ErrClosed):
		code = http.StatusGone
	case errors.Is(err, session.ErrTooMany):
		code = http.StatusServiceUnavailable
	case errors.As(err, &se):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		logger.L().Warn("api_error", "status", code, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
