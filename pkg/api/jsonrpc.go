package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/luxfi/log"

	"github.com/luxfi/vault/pkg/vault"
)

// JSONRPCServer exposes the vault's read surface over JSON-RPC 2.0. All
// mutations go through the ledger operations directly; the RPC surface is
// read-only.
type JSONRPCServer struct {
	vault  *vault.Vault
	oracle vault.PriceOracle
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server over a vault.
func NewJSONRPCServer(v *vault.Vault, oracle vault.PriceOracle, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		vault:  v,
		oracle: oracle,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Pool methods
	case "vault_getPool":
		return s.getPool(params)
	case "vault_getUtilization":
		return s.getUtilization(params)
	case "vault_getRedemptionAmount":
		return s.getRedemptionAmount(params)
	case "vault_getTokenConfig":
		return s.getTokenConfig(params)

	// Position methods
	case "vault_getPosition":
		return s.getPosition(params)
	case "vault_getPositionLeverage":
		return s.getPositionLeverage(params)
	case "vault_validateLiquidation":
		return s.validateLiquidation(params)

	// Oracle methods
	case "vault_getPrice":
		return s.getPrice(params)

	// Info methods
	case "vault_getSupply":
		return map[string]string{"usdgSupply": s.vault.USDG().TotalSupply().String()}, nil
	case "vault_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

type tokenParams struct {
	Token string `json:"token"`
}

type positionParams struct {
	Account         string `json:"account"`
	CollateralToken string `json:"collateralToken"`
	IndexToken      string `json:"indexToken"`
	IsLong          bool   `json:"isLong"`
}

func (s *JSONRPCServer) getPool(params json.RawMessage) (interface{}, error) {
	var p tokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return map[string]string{
		"poolAmount":            s.vault.PoolAmount(p.Token).String(),
		"reservedAmount":        s.vault.ReservedAmount(p.Token).String(),
		"guaranteedUsd":         s.vault.GuaranteedUsd(p.Token).String(),
		"usdgAmount":            s.vault.UsdgAmount(p.Token).String(),
		"cumulativeFundingRate": s.vault.CumulativeFundingRate(p.Token).String(),
		"feeReserve":            s.vault.FeeReserve(p.Token).String(),
	}, nil
}

func (s *JSONRPCServer) getUtilization(params json.RawMessage) (interface{}, error) {
	var p tokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return map[string]string{"utilization": s.vault.GetUtilization(p.Token).String()}, nil
}

func (s *JSONRPCServer) getRedemptionAmount(params json.RawMessage) (interface{}, error) {
	var p struct {
		Token      string `json:"token"`
		UsdgAmount string `json:"usdgAmount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	usdgAmount, ok := new(big.Int).SetString(p.UsdgAmount, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid usdgAmount"}
	}
	amount, err := s.vault.GetRedemptionAmount(p.Token, usdgAmount)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]string{"redemptionAmount": amount.String()}, nil
}

func (s *JSONRPCServer) getTokenConfig(params json.RawMessage) (interface{}, error) {
	var p tokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	cfg, ok := s.vault.TokenConfigFor(p.Token)
	if !ok {
		return nil, &RPCError{Code: InternalError, Message: "unknown token"}
	}
	return cfg, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	pos, ok := s.vault.GetPosition(p.Account, p.CollateralToken, p.IndexToken, p.IsLong)
	if !ok {
		return nil, &RPCError{Code: InternalError, Message: "position not found"}
	}
	return map[string]interface{}{
		"size":              pos.Size.String(),
		"collateral":        pos.Collateral.String(),
		"averagePrice":      pos.AveragePrice.String(),
		"entryFundingRate":  pos.EntryFundingRate.String(),
		"reserveAmount":     pos.ReserveAmount.String(),
		"realisedPnl":       pos.RealisedPnl.String(),
		"hasRealisedProfit": pos.HasRealisedProfit,
		"lastIncreasedTime": pos.LastIncreasedTime.Unix(),
	}, nil
}

func (s *JSONRPCServer) getPositionLeverage(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	leverage, err := s.vault.GetPositionLeverage(p.Account, p.CollateralToken, p.IndexToken, p.IsLong)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]string{"leverageBps": leverage.String()}, nil
}

func (s *JSONRPCServer) validateLiquidation(params json.RawMessage) (interface{}, error) {
	var p positionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	liquidatable, fees, err := s.vault.ValidateLiquidation(p.Account, p.CollateralToken, p.IndexToken, p.IsLong)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	result := map[string]interface{}{"liquidatable": liquidatable}
	if fees != nil {
		result["marginFees"] = fees.String()
	}
	return result, nil
}

func (s *JSONRPCServer) getPrice(params json.RawMessage) (interface{}, error) {
	var p tokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	maxPrice, err := s.oracle.MaxPrice(p.Token)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	minPrice, err := s.oracle.MinPrice(p.Token)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]string{
		"maxPrice": maxPrice.String(),
		"minPrice": minPrice.String(),
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
