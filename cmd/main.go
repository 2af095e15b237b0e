// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"terra-engine/internal/api"
	"terra-engine/internal/config"
	"terra-engine/internal/logger"
	"terra-engine/internal/metrics"
	"terra-engine/internal/middleware"
	"terra-engine/internal/migrate"
	"terra-engine/internal/regions"
	"terra-engine/internal/selection"
	"terra-engine/internal/session"
	"terra-engine/internal/store"
	"terra-engine/internal/tracing"
	"terra-engine/internal/utils"
	"terra-engine/internal/viewstate"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	// 日志初始化
	l := logger.Setup()
	l.Debug("log_init_ok")
	cfg := config.FromEnv()
	l.Debug("config_loaded", "api_base", cfg.APIBase, "backend", cfg.BackendURL, "top_n", cfg.TopN, "ui", cfg.UIDist)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.ConfigFromEnv())
	if err != nil {
		l.Error("tracing_init_error", "err", err)
	}
	defer tracing.ShutdownWithTimeout(shutdownTracing)

	rc := utils.OpenRedisFromConfig(cfg)
	if rc == nil {
		l.Info("redis_disabled")
	} else {
		if err := rc.Ping(ctx).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
		} else {
			l.Info("redis_ping_ok")
		}
		defer rc.Close()
	}

	// 分析记录为可选能力：数据库不可用时仅记录日志，不影响会话
	var st *store.Store
	db, err := utils.OpenPostgres(cfg)
	switch {
	case err != nil:
		l.Error("db_open_error", "err", err)
	case db == nil:
		l.Info("research_log_disabled")
	default:
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			l.Error("db_ping_error", "err", err)
		} else if err := migrate.EnsureSchema(db); err != nil {
			l.Error("schema_error", "err", err)
		} else {
			st = store.AttachDB(db)
			l.Info("db_open_ok")
		}
	}

	client := regions.NewClient(cfg.BackendURL, &http.Client{Timeout: cfg.HTTPTimeout})
	svc := regions.NewCached(client, regions.NewLRU(cfg.CacheSize, cfg.CacheTTL), rc, cfg.CacheTTL)

	// 文档注释：会话工厂
	// 背景：每个浏览器会话一个状态机；初始相机对准赤道（缩放 2），新分析地点写入分析记录。
	mgr := session.NewManager(func(id string) (*selection.Machine, *viewstate.Recorder) {
		cam := viewstate.NewRecorder(viewstate.ViewState{Center: orb.Point{0, 0}, Zoom: 2})
		opts := selection.Options{TopN: cfg.TopN}
		if st != nil {
			opts.OnResearched = func(r selection.ResearchedRegion) {
				go recordResearch(st, id, r)
			}
		}
		return selection.New(svc, svc, cam, opts), cam
	}, cfg.SessionIdleTTL, cfg.MaxSessions)
	go mgr.Run(ctx, time.Minute)
	defer mgr.Shutdown()

	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(api.Deps{Sessions: mgr, Crops: client, Store: st, Redis: rc})
	mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, apiMux))
	mux.Handle(cfg.APIBase+"/metrics", metrics.Handler())

	fs := http.FileServer(http.Dir(cfg.UIDist))
	mux.Handle("/", fs)

	// NOTE: 向前端暴露 API 基础路径，避免硬编码
	mux.HandleFunc("/config.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write([]byte("window.__API_BASE__='" + cfg.APIBase + "'\n"))
	})

	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler, cfg.RateLimitEnabled, cfg.RateLimitQPS)
	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			l.Warn("server_shutdown_error", "err", err)
		}
	}()

	if cfg.TLSEnable {
		if err := utils.EnsureSelfSignedCert(cfg.TLSCertPath, cfg.TLSKeyPath, "terra-engine.local"); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		l.Info("listening_tls", "addr", cfg.Addr, "cert", cfg.TLSCertPath)
		err = s.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		l.Info("listening", "addr", cfg.Addr)
		err = s.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("server_error", "err", err)
	}
	l.Info("server_stopped")
}

// recordResearch 写入分析记录；失败只记录日志
func recordResearch(st *store.Store, sessionID string, r selection.ResearchedRegion) {
	lat, _ := r.Region.Latitude.Degrees()
	lon, _ := r.Region.Longitude.Degrees()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := st.RecordResearch(ctx, store.Research{
		Session:   sessionID,
		Crop:      r.Crop,
		Name:      r.Region.Name,
		Latitude:  lat,
		Longitude: lon,
		Score:     r.Score,
	})
	if err != nil {
		logger.L().Warn("research_log_error", "session", sessionID, "name", r.Region.Name, "err", err)
	}
}
