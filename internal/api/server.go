package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Citadel-Core/internal/custody"
	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/hearing"
	"Citadel-Core/internal/observability/metrics"
	"Citadel-Core/internal/storage"
)

// Server 负责暴露 REST 接口，供外部驱动听证流水线。
type Server struct {
	addr    string
	arena   *hearing.Arena
	manager *custody.Manager
	store   storage.HearingStore
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, arena *hearing.Arena, manager *custody.Manager, store storage.HearingStore) *Server {
	return &Server{addr: addr, arena: arena, manager: manager, store: store}
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

// Handler 返回完整路由，便于测试直接挂接。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/hearings", instrument("hearings", http.HandlerFunc(s.handleHearings)))
	mux.Handle("/api/v1/hearings/", instrument("hearing_detail", http.HandlerFunc(s.handleHearingDetail)))
	mux.Handle("/api/v1/wallets", instrument("wallets", http.HandlerFunc(s.handleWallets)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHearings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleConduct(w, r)
	case http.MethodGet:
		s.handleListHearings(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// hearingRequest 是提交听证的请求体。Execute 为 false 时
// 流水线只走到策略阶段，返回干跑结果。
type hearingRequest struct {
	UserID  string `json:"user_id"`
	Intent  string `json:"intent"`
	Execute bool   `json:"execute"`
}

func (s *Server) handleConduct(w http.ResponseWriter, r *http.Request) {
	if s.arena == nil {
		http.Error(w, "听证编排器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req hearingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Intent) == "" {
		http.Error(w, "意图不能为空", http.StatusBadRequest)
		return
	}

	record := s.arena.Conduct(r.Context(), req.UserID, req.Intent, req.Execute)
	if s.store != nil {
		_ = s.store.SaveHearing(r.Context(), record)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

func (s *Server) handleListHearings(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "审计存储未初始化", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.store.ListHearingsByUser(r.Context(), r.URL.Query().Get("user_id"), limit)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

func (s *Server) handleHearingDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		http.Error(w, "审计存储未初始化", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/hearings/")
	if id == "" {
		http.Error(w, "缺少听证记录 ID", http.StatusBadRequest)
		return
	}
	record, err := s.store.GetHearing(r.Context(), id)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(record)
}

// walletView 是钱包目录的对外视图，只暴露公开字段。
type walletView struct {
	UserID   string `json:"user_id"`
	Address  string `json:"address"`
	Index    uint32 `json:"index"`
	Tier     string `json:"tier"`
	Status   string `json:"status"`
	Required int    `json:"required_signatures"`
	Total    int    `json:"total_signers"`
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.manager == nil {
		http.Error(w, "钱包管理器未初始化", http.StatusServiceUnavailable)
		return
	}

	wallets := s.manager.Directory().All()
	views := make([]walletView, 0, len(wallets))
	for _, wallet := range wallets {
		required, total := custody.Threshold(wallet.Tier)
		views = append(views, walletView{
			UserID:   wallet.UserID,
			Address:  wallet.Address,
			Index:    wallet.Index,
			Tier:     string(wallet.Tier),
			Status:   string(wallet.Status),
			Required: required,
			Total:    total,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// writeCodedError 把统一错误码映射到 HTTP 状态。
func writeCodedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cerrors.CodeOf(err) {
	case cerrors.CodeNotFound:
		status = http.StatusNotFound
	case cerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case cerrors.CodeConflict:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// statusRecorder 捕获响应状态码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为处理器挂接请求指标。
func instrument(name string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
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
