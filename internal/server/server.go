package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"harvestpay/internal/config"
	"harvestpay/internal/hmacauth"
	"harvestpay/internal/idempotency"
	"harvestpay/internal/ledger"
	"harvestpay/internal/reward"
	"harvestpay/internal/settlement"
)

type Server struct {
	cfg         *config.AppConfig
	ledger      *ledger.Ledger
	issuer      *reward.Issuer
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         *zap.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, led *ledger.Ledger, issuer *reward.Issuer, settle settlement.Client, store idempotency.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	verifier := &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:     cfg,
		ledger:  led,
		issuer:  issuer,
		store:   store,
		hmac:    verifier,
		metrics: metrics,
		log:     log,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := settle.(settlement.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/orders", s.hmac.Middleware(http.HandlerFunc(s.handleCreateOrder)))
	mux.Handle("POST /api/v1/orders/{id}/confirm", s.hmac.Middleware(http.HandlerFunc(s.handleConfirmDelivery)))
	mux.Handle("POST /api/v1/orders/{id}/release", s.hmac.Middleware(http.HandlerFunc(s.handleRelease)))
	mux.HandleFunc("GET /api/v1/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /api/v1/rewards/{address}", s.handleRewardBalance)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createOrderRequest struct {
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	MetadataRef string `json:"metadataRef"`
	Amount      string `json:"amount"` // decimal string in wei
}

type createOrderResponse struct {
	OrderID uint64 `json:"orderId"`
}

type transitionResponse struct {
	OrderID uint64 `json:"orderId"`
	Status  string `json:"status"`
}

type releaseResponse struct {
	OrderID      uint64 `json:"orderId"`
	Status       string `json:"status"`
	PayoutTxHash string `json:"payoutTxHash"`
	RewardAmount string `json:"rewardAmount"`
	RewardMinted bool   `json:"rewardMinted"`
}

type orderView struct {
	OrderID     uint64 `json:"orderId"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Amount      string `json:"amount"`
	MetadataRef string `json:"metadataRef"`
	Status      string `json:"status"`
}

type balanceView struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_idempotency_key", "missing X-Idempotency-Key header")
		return
	}

	ctx := r.Context()

	if existing, _ := s.store.Get(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incOrder("cached")
		return
	}

	var payload createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json payload")
		return
	}
	if !common.IsHexAddress(payload.Buyer) || !common.IsHexAddress(payload.Seller) {
		s.metrics.incOrder("rejected")
		writeError(w, http.StatusBadRequest, "invalid_parties", "buyer and seller must be hex addresses")
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(payload.Amount), 10)
	if !ok {
		s.metrics.incOrder("rejected")
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a decimal wei string")
		return
	}

	id, err := s.ledger.CreateOrder(ctx, payload.Buyer, payload.Seller, payload.MetadataRef, amount)
	if err != nil {
		s.metrics.incOrder("rejected")
		s.writeDomainError(w, err)
		return
	}

	body, _ := json.Marshal(createOrderResponse{OrderID: id})
	record := idempotency.Record{
		StatusCode: http.StatusCreated,
		Response:   body,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
	}
	_ = s.store.Save(ctx, key, record)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
	s.metrics.incOrder("created")
	s.updateCustodyGauge(ctx)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	caller := hmacauth.CallerAddress(r)

	if err := s.ledger.ConfirmDelivery(r.Context(), id, caller); err != nil {
		s.metrics.incConfirm("rejected")
		s.writeDomainError(w, err)
		return
	}

	s.metrics.incConfirm("confirmed")
	writeJSON(w, http.StatusOK, transitionResponse{OrderID: id, Status: string(ledger.StatusDelivered)})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}
	caller := hmacauth.CallerAddress(r)
	ctx := r.Context()

	res, err := s.ledger.Release(ctx, id, caller)
	if err != nil {
		s.metrics.incRelease("rejected")
		s.writeDomainError(w, err)
		return
	}
	s.metrics.incRelease("released")
	s.updateCustodyGauge(ctx)

	minted := res.RewardMinted
	if minted {
		s.metrics.incMint("minted")
	} else {
		minted = s.retryMint(ctx, id)
		if !minted {
			s.writeDLQ(res)
		}
	}

	writeJSON(w, http.StatusOK, releaseResponse{
		OrderID:      id,
		Status:       string(ledger.StatusReleased),
		PayoutTxHash: res.PayoutTxHash,
		RewardAmount: res.RewardAmount.String(),
		RewardMinted: minted,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	o, err := s.ledger.GetOrder(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, orderView{
		OrderID:     o.ID,
		Buyer:       o.Buyer,
		Seller:      o.Seller,
		Amount:      o.Amount.String(),
		MetadataRef: o.MetadataRef,
		Status:      string(o.Status),
	})
}

func (s *Server) handleRewardBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.PathValue("address"))
	if address == "" {
		writeError(w, http.StatusBadRequest, "invalid_address", "address is required")
		return
	}

	balance, err := s.issuer.BalanceOf(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, balanceView{Address: address, Balance: balance.String()})
}

// retryMint re-requests the reward mint with capped exponential backoff.
// The ledger's MintReward is idempotent per order id, so retries can never
// double-mint.
func (s *Server) retryMint(ctx context.Context, orderID uint64) bool {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.Retry.InitialBackoff
	policy.MaxInterval = s.cfg.Retry.MaxBackoff

	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	op := func() error {
		return s.ledger.MintReward(ctx, orderID)
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))
	if err != nil {
		s.metrics.incMint("failed")
		s.log.Error("reward mint exhausted retries", zap.Uint64("order_id", orderID), zap.Error(err))
		return false
	}
	s.metrics.incMint("minted")
	return true
}

func (s *Server) writeDLQ(res ledger.ReleaseResult) {
	s.metrics.incMint("dead_lettered")
	if s.cfg.Service.DLQPath == "" {
		return
	}

	entry := struct {
		Timestamp    time.Time `json:"timestamp"`
		OrderID      uint64    `json:"orderId"`
		Seller       string    `json:"seller"`
		RewardAmount string    `json:"rewardAmount"`
	}{
		Timestamp:    time.Now().UTC(),
		OrderID:      res.Order.ID,
		Seller:       res.Order.Seller,
		RewardAmount: res.RewardAmount.String(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		s.log.Error("dlq marshal error", zap.Error(err))
		return
	}

	if err := os.MkdirAll(s.cfg.Service.DLQPath, 0o755); err != nil {
		s.log.Error("dlq mkdir error", zap.Error(err))
		return
	}

	filename := fmt.Sprintf("%d-order-%d.json", time.Now().UnixNano(), res.Order.ID)
	path := filepath.Join(s.cfg.Service.DLQPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		s.log.Error("dlq write error", zap.Error(err))
	}

	s.updateDLQDepth()
}

func (s *Server) updateDLQDepth() int {
	depth := s.currentDLQDepth()
	if s.metrics != nil {
		s.metrics.setDLQDepth(depth)
	}
	return depth
}

func (s *Server) currentDLQDepth() int {
	if s.cfg.Service.DLQPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.DLQPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("dlq read error", zap.Error(err))
		}
		return 0
	}
	return len(entries)
}

func (s *Server) updateCustodyGauge(ctx context.Context) {
	total, err := s.ledger.Custody(ctx)
	if err != nil {
		s.log.Error("custody read error", zap.Error(err))
		return
	}
	s.metrics.setCustody(total)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "order not found")
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized", "caller is not the required party for this operation")
	case errors.Is(err, ledger.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", "operation not valid for current order status")
	case errors.Is(err, ledger.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "invalid_amount", "deposit amount must be positive")
	case errors.Is(err, ledger.ErrInvalidParties):
		writeError(w, http.StatusBadRequest, "invalid_parties", "buyer and seller must be distinct non-empty identities")
	case errors.Is(err, reward.ErrAlreadyMinted):
		writeError(w, http.StatusConflict, "already_minted", "order already triggered a reward mint")
	default:
		s.log.Error("upstream failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_failure", "failed to complete operation")
	}
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusNotFound, "not_found", "order not found")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		DLQDepth int         `json:"dlq_depth"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		DLQDepth: s.updateDLQDepth(),
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", uuid.NewString())
		}
		next.ServeHTTP(w, r)
	})
}
