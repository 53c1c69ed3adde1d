package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tokenbook/pkg/app/core/account"
	"github.com/uhyunpark/tokenbook/pkg/app/core/engine"
	"github.com/uhyunpark/tokenbook/pkg/app/core/transaction"
	"github.com/uhyunpark/tokenbook/pkg/crypto"
	"github.com/uhyunpark/tokenbook/pkg/storage"
	"github.com/uhyunpark/tokenbook/pkg/util"
)

const (
	defaultDepth      = 20
	defaultOrderLimit = 50
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	maxBodyBytes      = 1 << 16
)

var errBadRequest = errors.New("bad request")

// Config controls the HTTP surface.
type Config struct {
	Addr         string
	CORSOrigins  []string
	EnableFaucet bool // dev only: POST /api/v1/faucet credits balances
}

// AuditSource serves persisted audit records. The storage journal implements it.
type AuditSource interface {
	Records(from uint64, limit int) ([]storage.AuditRecord, error)
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg      Config
	engine   *engine.Engine
	ledger   *account.Manager
	verifier *transaction.Verifier
	audit    AuditSource // nil disables /audit
	hub      *Hub
	router   *mux.Router
	validate *validator.Validate
	log      *zap.Logger
	srv      *http.Server
}

// NewServer creates a new API server
func NewServer(cfg Config, eng *engine.Engine, ledger *account.Manager, verifier *transaction.Verifier, audit AuditSource, hub *Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		ledger:   ledger,
		verifier: verifier,
		audit:    audit,
		hub:      hub,
		router:   mux.NewRouter(),
		validate: validator.New(),
		log:      log.Named("api"),
	}

	s.setupRoutes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware, metricsMiddleware)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Book
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/book/best", s.handleGetBest).Methods("GET")
	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")

	// Orders
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	// Accounts
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")
	api.HandleFunc("/approve", s.handleApprove).Methods("POST")

	// Admin
	api.HandleFunc("/admin", s.handleAdmin).Methods("POST")

	// Audit
	api.HandleFunc("/audit", s.handleGetAudit).Methods("GET")

	if s.cfg.EnableFaucet {
		api.HandleFunc("/faucet", s.handleFaucet).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check and metrics
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("server starting", zap.String("addr", s.cfg.Addr), zap.Bool("faucet", s.cfg.EnableFaucet))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ==============================
// REST Handlers: queries
// ==============================

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	depth, err := intParam(r, "depth", defaultDepth)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := intParam(r, "orders", defaultOrderLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	view := s.engine.View(depth, limit)
	respondJSON(w, OrderbookSnapshot{
		Bids:       newPriceLevels(view.Bids),
		Asks:       newPriceLevels(view.Asks),
		BuyOrders:  newOrderInfos(view.BuyOrders),
		SellOrders: newOrderInfos(view.SellOrders),
		Seq:        view.LastSeq,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request) {
	var resp BestPrices
	if bid, ok := s.engine.BestBid(); ok {
		a := newAmount(bid)
		resp.BestBid = &a
	}
	if ask, ok := s.engine.BestAsk(); ok {
		a := newAmount(ask)
		resp.BestAsk = &a
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	respondJSON(w, MarketStats{
		RestingBuys:  st.RestingBuys,
		RestingSells: st.RestingSells,
		TotalOrders:  st.TotalOrders,
		NextOrderID:  st.NextOrderID,
		LastEventSeq: st.LastEventSeq,
		EscrowFunds:  newAmount(&st.EscrowFunds),
		EscrowTokens: newAmount(&st.EscrowTokens),
		FeeBps:       st.Settings.FeeBps,
		FeeRecipient: st.Settings.FeeRecipient.Hex(),
		MinOrderSize: newAmount(&st.Settings.MinOrderSize),
		Paused:       st.Settings.Paused,
		Seeded:       st.Settings.Seeded,
		Admin:        s.engine.Admin().Hex(),
		Custody:      s.engine.Custody().Hex(),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: invalid order id", errBadRequest))
		return
	}
	order, err := s.engine.Order(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, newOrderInfo(order))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	acc := s.ledger.GetAccount(addr)
	open := 0
	for _, o := range s.engine.UserOrders(addr) {
		if o.Active {
			open++
		}
	}

	respondJSON(w, AccountInfo{
		Address:          addr.Hex(),
		Nonce:            acc.Nonce,
		Funds:            newAmount(&acc.Funds),
		Tokens:           newAmount(&acc.Tokens),
		CustodyAllowance: newAmount(acc.Allowance(s.engine.Custody())),
		OpenOrders:       open,
	})
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, newOrderInfos(s.engine.UserOrders(addr)))
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondErrorStatus(w, r, http.StatusServiceUnavailable, "unavailable", "audit journal disabled")
		return
	}
	from, err := intParam(r, "from", 1)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", defaultAuditLimit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	records, err := s.audit.Records(uint64(from), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if records == nil {
		records = []storage.AuditRecord{}
	}
	respondJSON(w, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Halted(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "halted", "error": err.Error()})
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// REST Handlers: signed requests
// ==============================

// readSigned decodes a signed transaction of the expected type and verifies
// it, consuming its nonce.
func (s *Server) readSigned(r *http.Request, want transaction.TxType) (*transaction.Intent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %w", errBadRequest, err)
	}
	tx, err := transaction.Deserialize(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transaction.ErrMalformed, err)
	}
	if tx.Type != want {
		return nil, fmt.Errorf("%w: expected type=%s, got %q", transaction.ErrMalformed, want, tx.Type)
	}
	return s.verifier.Verify(tx)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	intent, err := s.readSigned(r, transaction.TxTypeOrder)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var id uint64
	switch intent.Side {
	case "buy":
		id, err = s.engine.PlaceBuyOrder(intent.Signer, intent.Quantity, intent.Price, intent.Payment)
	default:
		if !intent.Payment.IsZero() {
			s.respondError(w, r, fmt.Errorf("%w: payment is only accepted on buy orders", errBadRequest))
			return
		}
		id, err = s.engine.PlaceSellOrder(intent.Signer, intent.Quantity, intent.Price)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.reqLog(r).Info("signed order accepted",
		zap.Uint64("order_id", id),
		zap.String("owner", intent.Signer.Hex()),
		zap.String("side", intent.Side),
		zap.Uint64("nonce", intent.Nonce))

	resp := SubmitOrderResponse{Status: "accepted", OrderID: id}
	if order, err := s.engine.Order(id); err == nil {
		info := newOrderInfo(order)
		resp.Order = &info
	}
	respondJSON(w, resp)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	intent, err := s.readSigned(r, transaction.TxTypeCancel)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.engine.CancelOrder(intent.Signer, intent.OrderID); err != nil {
		s.respondError(w, r, err)
		return
	}

	s.reqLog(r).Info("signed cancel accepted",
		zap.Uint64("order_id", intent.OrderID),
		zap.String("owner", intent.Signer.Hex()))
	respondJSON(w, ActionResponse{Status: "cancelled", OrderID: intent.OrderID})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	intent, err := s.readSigned(r, transaction.TxTypeApprove)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.ledger.Approve(intent.Signer, intent.Spender, intent.Amount); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	respondJSON(w, ActionResponse{Status: "approved"})
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	intent, err := s.readSigned(r, transaction.TxTypeAdmin)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := ActionResponse{Status: "ok"}
	caller := intent.Signer
	switch intent.Action {
	case crypto.ActionSetFee:
		var bps uint64
		if bps, err = strconv.ParseUint(intent.Value, 10, 64); err != nil {
			err = fmt.Errorf("%w: invalid fee %q", errBadRequest, intent.Value)
			break
		}
		err = s.engine.SetTradingFee(caller, bps)

	case crypto.ActionSetFeeRecipient:
		if !common.IsHexAddress(intent.Value) {
			err = fmt.Errorf("%w: invalid address %q", errBadRequest, intent.Value)
			break
		}
		err = s.engine.SetFeeRecipient(caller, common.HexToAddress(intent.Value))

	case crypto.ActionSetMinOrderSize:
		var size *uint256.Int
		if size, err = util.ParseBaseUnits(intent.Value); err != nil {
			err = fmt.Errorf("%w: %w", errBadRequest, err)
			break
		}
		err = s.engine.SetMinOrderSize(caller, size)

	case crypto.ActionPause:
		err = s.engine.Pause(caller)

	case crypto.ActionUnpause:
		err = s.engine.Unpause(caller)

	case crypto.ActionSeed:
		var price *uint256.Int
		if price, err = util.ParseBaseUnits(intent.Value); err != nil {
			err = fmt.Errorf("%w: %w", errBadRequest, err)
			break
		}
		resp.OrderID, err = s.engine.AddInitialLiquidity(caller, price)

	default:
		err = fmt.Errorf("%w: unknown action %q", errBadRequest, intent.Action)
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.reqLog(r).Info("admin action applied",
		zap.String("action", intent.Action),
		zap.String("value", intent.Value))
	respondJSON(w, resp)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: invalid request body: %w", errBadRequest, err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	addr := common.HexToAddress(req.Address)
	if req.Funds != "" {
		amt, err := util.ParseUnits(req.Funds)
		if err == nil {
			err = s.ledger.Deposit(addr, amt)
		}
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
	}
	if req.Tokens != "" {
		amt, err := util.ParseUnits(req.Tokens)
		if err == nil {
			err = s.ledger.MintTokens(addr, amt)
		}
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
	}

	s.reqLog(r).Info("faucet credit",
		zap.String("address", addr.Hex()),
		zap.String("funds", req.Funds),
		zap.String("tokens", req.Tokens))
	respondJSON(w, ActionResponse{Status: "credited"})
}

// ==============================
// Helper Functions
// ==============================

func addressVar(r *http.Request) (common.Address, error) {
	s := mux.Vars(r)["address"]
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, s)
	}
	return common.HexToAddress(s), nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, v)
	}
	return n, nil
}

// errorStatus maps an error to an HTTP status and a short code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, transaction.ErrMalformed):
		return http.StatusBadRequest, "malformed"
	case errors.Is(err, transaction.ErrExpired):
		return http.StatusBadRequest, "expired"
	case errors.Is(err, transaction.ErrInvalidSignature):
		return http.StatusForbidden, "invalid_signature"
	case errors.Is(err, account.ErrNonceUsed):
		return http.StatusConflict, "nonce_used"
	case errors.Is(err, engine.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	}

	switch engine.Category(err) {
	case "validation":
		return http.StatusBadRequest, "validation"
	case "authorization":
		return http.StatusForbidden, "authorization"
	case "state":
		return http.StatusConflict, "state"
	case "transfer":
		return http.StatusBadGateway, "transfer"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	log := s.reqLog(r)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	respondErrorStatus(w, r, status, code, err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondErrorStatus(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: requestID(r),
	})
}
