package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"coffer/core"
	"coffer/observability"
	"coffer/rpc/modules"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// RPCRequest is the JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

// RPCResponse is the JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error member.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ServerConfig carries the transport settings: token verification plus the
// per-source rate limit applied to mutating methods. A non-positive rate
// disables limiting.
type ServerConfig struct {
	Auth          AuthConfig
	RatePerSecond float64
	RateBurst     int
}

// Server terminates JSON-RPC over HTTP for a coffer node. Reads are open;
// mutating methods are gated by bearer-token role and rate limited per
// client source.
type Server struct {
	node     *core.Node
	auth     *authenticator
	vault    *modules.VaultModule
	oracle   *modules.OracleModule
	accounts *modules.AccountsModule

	rateLimit rate.Limit
	rateBurst int
	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	httpServer *http.Server
}

// NewServer wires the module facades over the node.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		node:      node,
		auth:      newAuthenticator(cfg.Auth),
		vault:     modules.NewVaultModule(node),
		oracle:    modules.NewOracleModule(node),
		accounts:  modules.NewAccountsModule(node),
		rateLimit: rate.Limit(cfg.RatePerSecond),
		rateBurst: burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Handler returns the HTTP handler serving JSON-RPC on / and the event
// stream on /ws/events.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Handler(), "cofferd-rpc"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, 0, codeInvalidRequest, "POST required", nil)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, 0, codeInvalidRequest, "request body too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, 0, codeParseError, "unable to read request body", nil)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, 0, codeInvalidRequest, "empty request body", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, 0, codeParseError, "invalid JSON payload", nil)
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	s.route(recorder, r, &req, method)
	observability.ModuleMetrics().Observe(moduleOf(method), method, recorder.status, time.Since(start))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request, req *RPCRequest, method string) {
	switch method {
	case "vault_getVault":
		s.handleVaultGetVault(w, req)
	case "vault_listAssets":
		s.handleVaultListAssets(w, req)
	case "vault_getOperation":
		s.handleVaultGetOperation(w, req)
	case "vault_listRequests":
		s.handleVaultListRequests(w, req)
	case "vault_getReceipt":
		s.handleVaultGetReceipt(w, req)
	case "vault_beginOperation":
		s.handleVaultBeginOperation(w, r, req)
	case "vault_returnAssets":
		s.handleVaultReturnAssets(w, r, req)
	case "vault_completeOperation":
		s.handleVaultCompleteOperation(w, r, req)
	case "vault_revalueAsset":
		s.handleVaultRevalueAsset(w, r, req)
	case "vault_executeRequests":
		s.handleVaultExecuteRequests(w, r, req)
	case "vault_accrueReward":
		s.handleVaultAccrueReward(w, r, req)
	case "vault_submitDeposit":
		s.handleVaultSubmitDeposit(w, r, req)
	case "vault_submitWithdraw":
		s.handleVaultSubmitWithdraw(w, r, req)
	case "vault_cancelRequest":
		s.handleVaultCancelRequest(w, r, req)
	case "vault_claimRewards":
		s.handleVaultClaimRewards(w, r, req)
	case "vault_setEnabled":
		s.handleVaultSetEnabled(w, r, req)
	case "vault_setLossTolerance":
		s.handleVaultSetLossTolerance(w, r, req)
	case "vault_setFees":
		s.handleVaultSetFees(w, r, req)
	case "vault_registerAsset":
		s.handleVaultRegisterAsset(w, r, req)
	case "vault_freezeOperator":
		s.handleVaultFreezeOperator(w, r, req)
	case "vault_unfreezeOperator":
		s.handleVaultUnfreezeOperator(w, r, req)
	case "oracle_getPrice":
		s.handleOracleGetPrice(w, req)
	case "oracle_refreshPrice":
		s.handleOracleRefreshPrice(w, r, req)
	case "oracle_setManualPrice":
		s.handleOracleSetManualPrice(w, r, req)
	case "account_getBalance":
		s.handleAccountGetBalance(w, req)
	case "account_credit":
		s.handleAccountCredit(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", method), nil)
	}
}

// requireRole authenticates the request, enforces the role gate, and applies
// the mutating-method rate limit. A nil return means the rejection has
// already been written.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, req *RPCRequest, required string) *Identity {
	identity, err := s.auth.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, err.Error(), nil)
		return nil
	}
	if !identity.Allows(required) {
		writeError(w, http.StatusForbidden, req.ID, codeUnauthorized, fmt.Sprintf("%s role required", required), nil)
		return nil
	}
	if !s.allowSource(clientSource(r)) {
		observability.ModuleMetrics().RecordThrottle(moduleOf(req.Method), "rate_limit")
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded", nil)
		return nil
	}
	return identity
}

func (s *Server) allowSource(source string) bool {
	if s.rateLimit <= 0 {
		return true
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
		s.limiters[source] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

// clientSource keys the rate limiter: the first X-Forwarded-For hop when a
// proxy fronts the daemon, otherwise the peer address.
func clientSource(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if candidate := strings.TrimSpace(parts[0]); candidate != "" {
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func moduleOf(method string) string {
	if idx := strings.Index(method, "_"); idx > 0 {
		return method[:idx]
	}
	return "unknown"
}

func writeResult(w http.ResponseWriter, id int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, id int, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeModuleError(w http.ResponseWriter, id int, modErr *modules.ModuleError) {
	if modErr == nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "module error missing", nil)
		return
	}
	status := modErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeError(w, status, id, modErr.Code, modErr.Message, modErr.Data)
}
