// Package server 提供集合的 HTTP 接口：区间读取、计数与追加。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"projective/internal/diag"
	"projective/internal/moderation"
	"projective/internal/rate"
	"projective/internal/store"
	"projective/pkg/contract"
)

const comp = "server"

const (
	defaultLimit = 20
	maxLimit     = 100
	maxBodyBytes = 64 << 10
)

// Options: 服务参数。
type Options struct {
	RPM        int  // 每 IP 每分钟请求数；0 不限
	TrustProxy bool // 信任 X-Forwarded-For / X-Real-IP
	Blocklist  []string
	Now        func() time.Time
}

// Server 持有存储与横切组件；Handler 可直接挂到 httptest。
type Server struct {
	st   store.Store
	mod  *moderation.Scanner
	gate rate.Gate
	log  *diag.Logger
	opts Options

	seedMu sync.Mutex
	seeded map[contract.CollectionID]bool
}

// New 构造服务；logger 可为 nil。
func New(st store.Store, opts Options, logger *diag.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		st:     st,
		mod:    moderation.New(opts.Blocklist),
		log:    logger,
		opts:   opts,
		seeded: make(map[contract.CollectionID]bool),
	}
	if opts.RPM > 0 {
		s.gate = rate.NewGate(nil, rate.Limits{RPM: opts.RPM}, opts.Now)
	}
	return s
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	api := http.NewServeMux()
	api.HandleFunc("GET /api/v1/dashboard/comms/channels/{channelid}/messages", s.handleList)
	api.HandleFunc("POST /api/v1/dashboard/comms/channels/{channelid}/messages", s.handleSend)
	api.HandleFunc("GET /api/v1/dashboard/projects/{projectid}/stages/{stageid}/chat", s.handleStageList)
	api.HandleFunc("POST /api/v1/dashboard/projects/{projectid}/stages/{stageid}/chat", s.handleStageSend)
	mux.Handle("/api/", s.limit(api))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", diag.MetricsHandler())
	return s.access(mux)
}

// ListenAndServe 监听 addr；ctx 结束时优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上服务直到 ctx 结束。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	t := s.log.StartWith(comp, "listen "+ln.Addr().String(), "", "")
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := hs.Shutdown(sctx)
	<-errc
	t.Finish("shutdown", 0)
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// access 记录每个请求的结果分类与耗时。
func (s *Server) access(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		result := "success"
		if rec.status >= 400 {
			result = strconv.Itoa(rec.status)
		}
		diag.IncOp(comp, r.Method, result)
		diag.ObserveDuration(comp, r.Method, time.Since(t0).Milliseconds())
		s.log.Debug(comp, r.Method+" "+r.URL.Path, "", "", map[string]string{
			"status": strconv.Itoa(rec.status), "dur_ms": strconv.FormatInt(time.Since(t0).Milliseconds(), 10),
		})
	})
}

// limit 按客户端 IP 限流，超限返回 429 与 Retry-After。
func (s *Server) limit(next http.Handler) http.Handler {
	if s.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rate.KeyFromRequest(r, s.opts.TrustProxy)
		ok, wait := s.gate.Try(rate.Ask{Key: key, Requests: 1})
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			diag.IncError(comp, string(diag.CodeBudget))
			s.log.Warn(comp, "rate limited", "", "", map[string]string{"key": string(key)})
			writeErr(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type listResponse struct {
	Items []contract.Message `json:"items"`
	Meta  contract.Meta      `json:"meta"`
}

type countResponse struct {
	Meta contract.Meta `json:"meta"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	s.list(w, r, contract.CollectionID{Kind: kind, ID: r.PathValue("channelid")})
}

func (s *Server) handleStageList(w http.ResponseWriter, r *http.Request) {
	c, ok := s.stage(w, r)
	if !ok {
		return
	}
	s.list(w, r, c)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kind(w, r)
	if !ok {
		return
	}
	s.send(w, r, contract.CollectionID{Kind: kind, ID: r.PathValue("channelid")})
}

func (s *Server) handleStageSend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.stage(w, r)
	if !ok {
		return
	}
	s.send(w, r, c)
}

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (contract.Kind, bool) {
	k, err := contract.ParseKind(r.URL.Query().Get("type"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "Invalid type")
		return "", false
	}
	return k, true
}

// stage 解析阶段聊天集合，首次访问时写入固定消息。
func (s *Server) stage(w http.ResponseWriter, r *http.Request) (contract.CollectionID, bool) {
	c := contract.CollectionID{Kind: contract.KindChannel, ID: r.PathValue("projectid") + ":" + r.PathValue("stageid")}
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if s.seeded[c] {
		return c, true
	}
	if err := store.SeedFixture(r.Context(), s.st, c, store.FixtureSize, s.opts.Now()); err != nil {
		s.fail(w, c, "seed stage chat", err)
		return c, false
	}
	s.seeded[c] = true
	return c, true
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, c contract.CollectionID) {
	q := r.URL.Query()
	total, err := s.st.Count(r.Context(), c)
	if err != nil {
		s.fail(w, c, "count", err)
		return
	}
	if q.Get("countOnly") == "true" {
		writeJSON(w, http.StatusOK, countResponse{Meta: contract.Meta{TotalCount: total}})
		return
	}
	start, err1 := intParam(q.Get("start"), 0)
	limit, err2 := intParam(q.Get("limit"), defaultLimit)
	if err1 != nil || err2 != nil || start < 0 || limit <= 0 {
		writeErr(w, http.StatusBadRequest, "Invalid range")
		return
	}
	limit = min(limit, maxLimit)
	items, err := s.st.Range(r.Context(), c, start, limit)
	if err != nil {
		s.fail(w, c, "range", err)
		return
	}
	items = store.ForViewer(items, r.Header.Get("X-User-Id"))
	for i := range items {
		if items[i].Sender.Name == "" {
			items[i].Sender.Name = "Unknown User"
		}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Meta: contract.Meta{TotalCount: total}})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, c contract.CollectionID) {
	user := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if user == "" {
		writeErr(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var d contract.Draft
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&d); err != nil || d.Validate() != nil {
		writeErr(w, http.StatusBadRequest, "Missing or invalid message")
		return
	}
	if err := s.mod.Scan(d.Message); err != nil {
		var rej *moderation.Rejection
		reason := err.Error()
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		diag.IncError(comp, string(diag.CodeRejected))
		s.log.Warn(comp, "message rejected", c.String(), "", map[string]string{"reason": reason})
		writeErr(w, http.StatusBadRequest, "Message rejected: "+reason)
		return
	}
	if c.Kind == contract.KindDM && (c.ID == "new" || c.ID == "") {
		if d.TargetUserID == "" {
			writeErr(w, http.StatusBadRequest, "Target user required for new DM")
			return
		}
		c.ID = store.DMThreadID(user, d.TargetUserID)
	}
	name := strings.TrimSpace(r.Header.Get("X-User-Name"))
	if name == "" {
		name = user
	}
	m, err := s.st.Append(r.Context(), c, store.FromDraft(d, contract.Sender{ID: user, Name: name}))
	if err != nil {
		s.fail(w, c, "append", err)
		return
	}
	m.IsSelf = true
	m.ChannelID = c.ID
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) fail(w http.ResponseWriter, c contract.CollectionID, op string, err error) {
	code := diag.Classify(err)
	diag.IncError(comp, string(code))
	s.log.ErrorWith(comp, string(code), op+": "+err.Error(), nil, c.String(), "")
	if errors.Is(err, context.Canceled) {
		return
	}
	writeErr(w, http.StatusInternalServerError, "Internal error")
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
