package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"VeriSwarm/internal/agent"
	xerrors "VeriSwarm/internal/errors"
	"VeriSwarm/internal/evidence"
	"VeriSwarm/internal/inference"
	"VeriSwarm/internal/observability/metrics"
	"VeriSwarm/internal/task"
	"VeriSwarm/internal/tools"
	"VeriSwarm/pkg/logger"
)

// Dependencies 汇总 API 服务依赖的组件，缺失的组件对应接口返回 503。
type Dependencies struct {
	Tasks   *task.Service
	Tools   *tools.Service
	Auditor *agent.Auditor
	Session *inference.SessionLog
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr  string
	deps  Dependencies
	token string
	log   *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAPIToken 要求 /api/v1 下的请求携带 Bearer token。
func WithAPIToken(token string) Option {
	return func(s *Server) {
		s.token = strings.TrimSpace(token)
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{addr: addr, deps: deps, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/workflows", "workflows.create", s.handleCreateWorkflow)
	s.route(mux, "GET /api/v1/workflows", "workflows.list", s.handleListWorkflows)
	s.route(mux, "GET /api/v1/workflows/stats", "workflows.stats", s.handleWorkflowStats)
	s.route(mux, "GET /api/v1/workflows/{id}", "workflows.get", s.handleGetWorkflow)
	s.route(mux, "POST /api/v1/inference", "inference", s.handleInference)
	s.route(mux, "GET /api/v1/workers", "workers", s.handleWorkers)
	s.route(mux, "GET /api/v1/evidence/{task_id}", "evidence.audit", s.handleAudit)
	s.route(mux, "GET /api/v1/evidence/{task_id}/verify", "evidence.verify", s.handleVerify)
	s.route(mux, "GET /api/v1/bundles/{bundle_id}", "bundles.get", s.handleBundle)
	s.route(mux, "GET /api/v1/session", "session", s.handleSession)
	mux.Handle("GET /healthz", metrics.Middleware("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc) {
	mux.Handle(pattern, metrics.Middleware(name, s.requireToken(handler)))
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
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

type inferenceRequest struct {
	Prompt             string  `json:"prompt"`
	ConsensusThreshold float64 `json:"consensus_threshold"`
	MaxTokens          int     `json:"max_tokens"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.deps.Tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	item, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "工具服务未启用"))
		return
	}
	var req inferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	out, err := s.deps.Tools.RunInference(r.Context(), req.Prompt, req.ConsensusThreshold, req.MaxTokens)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "工具服务未启用"))
		return
	}
	out, err := s.deps.Tools.ListWorkers(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "工具服务未启用"))
		return
	}
	details, _ := strconv.ParseBool(r.URL.Query().Get("details"))
	out, err := s.deps.Tools.Audit(r.Context(), r.PathValue("task_id"), details)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if out.Data == nil {
		writeError(w, http.StatusNotFound, xerrors.New(xerrors.CodeNotFound, out.Text))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "工具服务未启用"))
		return
	}
	out, err := s.deps.Tools.Verify(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "审计器未启用"))
		return
	}
	bundle, err := s.deps.Auditor.Bundle(r.Context(), r.PathValue("bundle_id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	payload, err := bundle.ToJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeRaw(w, payload)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Session == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "会话日志未启用"))
		return
	}
	payload, err := s.deps.Session.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeRaw(w, payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		writeJSON(w, http.StatusOK, tools.Output{Text: "Status: ok"})
		return
	}
	out, err := s.deps.Tools.Health(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if data, ok := out.Data.(tools.HealthData); ok && data.Status != tools.HealthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

// requireToken 在配置了 token 时校验 Authorization 头。
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) != s.token {
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Bool("token_present", header != ""),
			)
			writeError(w, http.StatusUnauthorized, xerrors.New(xerrors.CodeInvalidArgument, "缺少或无效的访问令牌"))
			return
		}
		next(w, r)
	}
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 参数无效")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "offset 参数无效")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("verified"); raw != "" {
		verified, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "verified 参数无效")
		}
		opts = append(opts, task.WithVerified(verified))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, evidence.ErrBundleNotFound), xerrors.HasCode(err, xerrors.CodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrTaskConflict), xerrors.HasCode(err, xerrors.CodeConflict):
		return http.StatusConflict
	case xerrors.HasCode(err, task.CodeTaskValidation), xerrors.HasCode(err, xerrors.CodeInvalidArgument):
		return http.StatusBadRequest
	case xerrors.HasCode(err, xerrors.CodeNetwork), xerrors.HasCode(err, xerrors.CodeProtocol):
		return http.StatusBadGateway
	case xerrors.HasCode(err, xerrors.CodeTimeout):
		return http.StatusGatewayTimeout
	case xerrors.HasCode(err, xerrors.CodeInitializationFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		if cause := errors.Unwrap(e); cause != nil {
			body.Message += ": " + cause.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRaw(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
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
