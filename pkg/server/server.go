// Copyright 2025 Webb Technologies
//
// HTTP API
// Serves leaf queries, fee quotes and withdrawal submission, plus the
// health and metrics endpoints. Routing is by path prefix with manual
// segment parsing; errors are a JSON envelope {error: {kind, message}}.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/webb-tools/bridge-relayer/pkg/config"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/metrics"
	"github.com/webb-tools/bridge-relayer/pkg/relay"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/types"
	"github.com/webb-tools/bridge-relayer/pkg/watcher"
)

// HealthReporter exposes one watcher's health snapshot.
type HealthReporter interface {
	Health() watcher.Health
}

// Server is the relayer's HTTP surface.
type Server struct {
	store    *store.Store
	oracle   *relay.FeeOracle
	relay    *relay.Relay
	bus      *events.Bus
	metrics  *metrics.Metrics
	features config.FeaturesConfig
	watchers []HealthReporter
	logger   *log.Logger
}

// New assembles the server. oracle and relay may be nil when the private-tx
// feature is disabled.
func New(st *store.Store, oracle *relay.FeeOracle, rel *relay.Relay, bus *events.Bus, m *metrics.Metrics, features config.FeaturesConfig, watchers []HealthReporter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	return &Server{
		store:    st,
		oracle:   oracle,
		relay:    rel,
		bus:      bus,
		metrics:  m,
		features: features,
		watchers: watchers,
		logger:   logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/leaves/", s.handleLeaves)
	mux.HandleFunc("/api/v1/fee_info/", s.handleFeeInfo)
	mux.HandleFunc("/api/v1/send/", s.handleSend)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return s.withRequestID(mux)
}

// withRequestID stamps every request with a correlation id, echoed in the
// X-Request-Id response header and the access log. An id supplied by the
// client is kept so calls can be traced across services.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		s.logger.Printf("%s %s (request %s)", r.Method, r.URL.Path, id)
		next.ServeHTTP(w, r)
	})
}

// ====== Error envelope ======

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(&errorEnvelope{Error: errorBody{Kind: kind, Message: message}}); err != nil {
		s.logger.Printf("Failed to write error response: %v", err)
	}
}

// writeTypedError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeTypedError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.ErrKindClient, types.ErrKindConfig:
		status = http.StatusBadRequest
	case types.ErrKindNetwork:
		status = http.StatusBadGateway
	}
	var typed *types.Error
	message := err.Error()
	if errors.As(err, &typed) {
		message = typed.Message
	}
	s.writeError(w, status, string(kind), message)
}

func (s *Server) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Printf("Failed to write response: %v", err)
	}
}

// ====== Leaves ======

type leavesResponse struct {
	Leaves           []string `json:"leaves"`
	LastQueriedBlock uint64   `json:"last_queried_block"`
}

// handleLeaves serves
//
//	GET /api/v1/leaves/evm/{chain}/{address}
//	GET /api/v1/leaves/substrate/{chain}/{tree_id}[/{pallet_id}]
func (s *Server) handleLeaves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "client", "Only GET is allowed")
		return
	}
	if !s.features.DataQuery {
		s.writeError(w, http.StatusForbidden, "client", "data query feature is disabled")
		return
	}

	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/leaves/"))
	if len(parts) < 2 {
		s.writeError(w, http.StatusBadRequest, "client", "expected /leaves/{type}/{chain}/{target}")
		return
	}

	var chain types.ChainID
	var treeKey string
	switch parts[0] {
	case "evm":
		if len(parts) != 3 {
			s.writeError(w, http.StatusBadRequest, "client", "expected /leaves/evm/{chain}/{address}")
			return
		}
		id, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "client", "invalid chain id")
			return
		}
		chain = types.NewEVMChainID(uint32(id))
		treeKey = common.HexToAddress(parts[2]).Hex()
	case "substrate":
		if len(parts) != 3 && len(parts) != 4 {
			s.writeError(w, http.StatusBadRequest, "client", "expected /leaves/substrate/{chain}/{tree_id}[/{pallet_id}]")
			return
		}
		id, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "client", "invalid chain id")
			return
		}
		tree, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "client", "invalid tree id")
			return
		}
		chain = types.NewSubstrateChainID(uint32(id))
		treeKey = SubstrateTreeKey(uint32(tree))
	default:
		s.writeError(w, http.StatusBadRequest, "client", fmt.Sprintf("unknown chain type %q", parts[0]))
		return
	}

	meta, err := s.store.GetLeafMeta(chain, treeKey)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	leaves, err := s.store.RangeLeaves(chain, treeKey, 0, meta.Count)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}

	resp := leavesResponse{
		Leaves:           make([]string, 0, len(leaves)),
		LastQueriedBlock: meta.LastBlock,
	}
	for _, leaf := range leaves {
		resp.Leaves = append(resp.Leaves, "0x"+common.Bytes2Hex(leaf[:]))
	}
	s.writeJSON(w, &resp)
}

// SubstrateTreeKey namespaces a Substrate tree's leaf cache. Shared with the
// wiring in main so the indexer and the API agree.
func SubstrateTreeKey(treeID uint32) string {
	return fmt.Sprintf("tree/%d", treeID)
}

// ====== Fee info ======

// handleFeeInfo serves GET /api/v1/fee_info/{chain}/{contract}?gas_amount=N.
func (s *Server) handleFeeInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "client", "Only GET is allowed")
		return
	}
	if s.oracle == nil {
		s.writeError(w, http.StatusForbidden, "client", "private-tx relay feature is disabled")
		return
	}

	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/fee_info/"))
	if len(parts) != 2 {
		s.writeError(w, http.StatusBadRequest, "client", "expected /fee_info/{chain}/{contract}")
		return
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "client", "invalid chain id")
		return
	}
	gasAmount := uint64(2_000_000)
	if raw := r.URL.Query().Get("gas_amount"); raw != "" {
		gasAmount, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "client", "invalid gas_amount")
			return
		}
	}

	quote, err := s.oracle.Quote(r.Context(), types.NewEVMChainID(uint32(id)), common.HexToAddress(parts[1]), gasAmount)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, quote)
}

// ====== Send ======

type sendResponse struct {
	ID       string `json:"id"`
	StatusWS string `json:"status_ws"`
}

// handleSend serves POST /api/v1/send/evm/{chain}/{contract}.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "client", "Only POST is allowed")
		return
	}
	if s.relay == nil {
		s.writeError(w, http.StatusForbidden, "client", "private-tx relay feature is disabled")
		return
	}

	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/send/"))
	if len(parts) != 3 || parts[0] != "evm" {
		s.writeError(w, http.StatusBadRequest, "client", "expected /send/evm/{chain}/{contract}")
		return
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "client", "invalid chain id")
		return
	}

	var req relay.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "client", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.ChainID = types.NewEVMChainID(uint32(id))
	req.Contract = common.HexToAddress(parts[2])

	txID, err := s.relay.SubmitWithdraw(context.WithoutCancel(r.Context()), &req)
	if err != nil {
		s.writeTypedError(w, err)
		return
	}
	s.writeJSON(w, &sendResponse{
		ID:       txID,
		StatusWS: fmt.Sprintf("/ws?id=%s", txID),
	})
}

// ====== Health ======

type healthResponse struct {
	Watchers []watcher.Health `json:"watchers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Watchers: make([]watcher.Health, 0, len(s.watchers))}
	for _, reporter := range s.watchers {
		resp.Watchers = append(resp.Watchers, reporter.Health())
	}
	s.writeJSON(w, &resp)
}

// splitPath splits a trimmed URL path into non-empty segments.
func splitPath(p string) []string {
	raw := strings.Split(strings.Trim(p, "/"), "/")
	parts := raw[:0]
	for _, seg := range raw {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return parts
}
