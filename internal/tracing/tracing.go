// 包 tracing：OpenTelemetry 初始化，为远端区域服务调用提供链路追踪
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"terra-engine/internal/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config 追踪配置
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64
}

// 文档注释：从环境变量读取追踪配置
// 约束：TRACING_SAMPLE_RATIO 超出 [0,1] 或解析失败时回退为 1
func ConfigFromEnv() Config {
	service := os.Getenv("TRACING_SERVICE_NAME")
	if service == "" {
		service = "terra-engine"
	}
	ratio := 1.0
	if s := os.Getenv("TRACING_SAMPLE_RATIO"); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= 1 {
			ratio = f
		}
	}
	return Config{
		Enabled:     strings.EqualFold(os.Getenv("TRACING_ENABLED"), "true"),
		ServiceName: service,
		SampleRatio: ratio,
	}
}

// 文档注释：初始化全局 TracerProvider
// 背景：未启用时安装 noop 提供者，调用方无需判断；启用时使用 stdout 导出器，便于本地排查。
// 返回：关闭函数，用于退出前刷新缓冲的 span。
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.L().Debug("tracing_disabled")
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "terra"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	logger.L().Info("tracing_enabled", "service", cfg.ServiceName, "ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// Tracer 返回命名追踪器
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

// ShutdownWithTimeout 以有限超时调用关闭函数，错误仅记录
func ShutdownWithTimeout(shutdown func(context.Context) error) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.L().Warn("tracing_shutdown_error", "err", err)
	}
}
