package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenCLMM-Chain/internal/decision"
	"OpenCLMM-Chain/internal/engine"
	xerrors "OpenCLMM-Chain/internal/errors"
	"OpenCLMM-Chain/internal/observability/metrics"
	"OpenCLMM-Chain/internal/storage/mysql"
)

// Engine 抽象工作流引擎的对外入口，测试中可替换。
type Engine interface {
	AdvanceThread(ctx context.Context, threadID string, in engine.Inbound) (*engine.ThreadState, error)
	ThreadState(ctx context.Context, threadID string) (*engine.ThreadState, error)
	ListThreads(ctx context.Context) ([]string, error)
}

// Server 负责暴露 REST 接口，供外部驱动策略线程。
type Server struct {
	addr      string
	engine    Engine
	telemetry mysql.TelemetryRepository
}

// NewServer 构造 API 服务实例。telemetry 可以为 nil，此时遥测接口返回 404。
func NewServer(addr string, eng Engine, telemetry mysql.TelemetryRepository) *Server {
	return &Server{addr: addr, engine: eng, telemetry: telemetry}
}

// Handler 返回路由表，便于测试与组合。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/threads/{id}/messages", s.instrument("thread_messages", s.handlePostMessage))
	mux.HandleFunc("GET /api/v1/threads/{id}/telemetry", s.instrument("thread_telemetry", s.handleGetTelemetry))
	mux.HandleFunc("GET /api/v1/threads/{id}", s.instrument("thread_state", s.handleGetThread))
	mux.HandleFunc("GET /api/v1/threads", s.instrument("thread_list", s.handleListThreads))
	mux.HandleFunc("POST /api/v1/signal", s.instrument("signal", s.handlePostSignal))
	mux.HandleFunc("GET /healthz", s.instrument("healthz", s.handleHealth))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// messagePayload 是推进线程的请求体。
type messagePayload struct {
	Command string            `json:"command"`
	Answers map[string]string `json:"answers,omitempty"`
	Signal  *signalPayload    `json:"signal,omitempty"`
}

// signalPayload 是外部信号源投递的合约信号。所有字段都是必填的，
// 缺一律拒绝，避免半成品信号驱动交易。
type signalPayload struct {
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"`
	TakeProfit1 float64 `json:"tp1"`
	TakeProfit2 float64 `json:"tp2"`
	StopLoss    float64 `json:"sl"`
	MaxExitTime string  `json:"max_exit_time"`
}

func (p *signalPayload) validate() (*decision.PerpsSignal, error) {
	if p == nil {
		return nil, errors.New("缺少信号负载")
	}
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" {
		return nil, errors.New("信号缺少交易对符号")
	}
	direction := strings.ToLower(strings.TrimSpace(p.Direction))
	if direction != "long" && direction != "short" {
		return nil, fmt.Errorf("信号方向必须是 long 或 short: %q", p.Direction)
	}
	if p.TakeProfit1 <= 0 || p.TakeProfit2 <= 0 || p.StopLoss <= 0 {
		return nil, errors.New("TP1/TP2/SL 必须为正数")
	}
	exitAt, err := time.Parse(time.RFC3339, strings.TrimSpace(p.MaxExitTime))
	if err != nil {
		return nil, fmt.Errorf("最迟退出时间解析失败: %w", err)
	}
	return &decision.PerpsSignal{
		Symbol:      symbol,
		IsBuy:       direction == "long",
		TakeProfit1: p.TakeProfit1,
		TakeProfit2: p.TakeProfit2,
		StopLoss:    p.StopLoss,
		MaxExitTime: exitAt,
	}, nil
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	var payload messagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	in := engine.Inbound{Command: payload.Command, Answers: payload.Answers}
	if strings.EqualFold(payload.Command, engine.CommandSignal) {
		signal, err := payload.Signal.validate()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		in.Signal = signal
	}

	state, err := s.engine.AdvanceThread(r.Context(), threadID, in)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePostSignal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ThreadID string        `json:"thread_id"`
		Signal   signalPayload `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.ThreadID) == "" {
		http.Error(w, "缺少线程 ID", http.StatusBadRequest)
		return
	}
	signal, err := payload.Signal.validate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := s.engine.AdvanceThread(r.Context(), payload.ThreadID, engine.Inbound{
		Command: engine.CommandSignal,
		Signal:  signal,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.ThreadState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.ListThreads(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": ids})
}

func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		http.Error(w, "遥测仓库未配置", http.StatusNotFound)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.telemetry.ListByThread(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 记录请求量与时延指标。
func (s *Server) instrument(name string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeEngineError 把统一错误码映射到 HTTP 状态码。
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
