package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/luxfi/log"
)

type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCErrorBody   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type RPCErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type VaultClient struct {
	rpcURL string
	logger log.Logger
	client *http.Client
	nextID int
}

func NewVaultClient(rpcURL string) *VaultClient {
	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)
	return &VaultClient{
		rpcURL: rpcURL,
		logger: logger,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		nextID: 1,
	}
}

func (c *VaultClient) Call(method string, params interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID,
	}
	c.nextID++

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.rpcURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %s", string(body))
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (c *VaultClient) GetMetrics(metricsURL string) (string, error) {
	resp, err := c.client.Get(metricsURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func printResult(raw json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

func main() {
	var (
		serverURL  = flag.String("server", "http://localhost:8080/rpc", "vaultd JSON-RPC URL")
		metricsURL = flag.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics URL")
		action     = flag.String("action", "ping", "Action: ping, pool, price, position, leverage, utilization, supply, config, metrics")
		token      = flag.String("token", "BTC", "Token symbol")
		account    = flag.String("account", "", "Position account")
		collateral = flag.String("collateral", "BTC", "Position collateral token")
		long       = flag.Bool("long", true, "Long position")
	)
	flag.Parse()

	logger := log.Root()
	logger.Info("Vault client", "server", *serverURL, "action", *action)

	client := NewVaultClient(*serverURL)

	positionParams := map[string]interface{}{
		"account":         *account,
		"collateralToken": *collateral,
		"indexToken":      *token,
		"isLong":          *long,
	}

	var (
		result json.RawMessage
		err    error
	)

	switch *action {
	case "ping":
		result, err = client.Call("vault_ping", map[string]interface{}{})

	case "pool":
		result, err = client.Call("vault_getPool", map[string]string{"token": *token})

	case "price":
		result, err = client.Call("vault_getPrice", map[string]string{"token": *token})

	case "position":
		result, err = client.Call("vault_getPosition", positionParams)

	case "leverage":
		result, err = client.Call("vault_getPositionLeverage", positionParams)

	case "utilization":
		result, err = client.Call("vault_getUtilization", map[string]string{"token": *token})

	case "supply":
		result, err = client.Call("vault_getSupply", map[string]interface{}{})

	case "config":
		result, err = client.Call("vault_getTokenConfig", map[string]string{"token": *token})

	case "metrics":
		var metrics string
		metrics, err = client.GetMetrics(*metricsURL)
		if err == nil {
			fmt.Println(metrics)
		}

	default:
		logger.Error("Unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		logger.Error("Request failed", "error", err)
		os.Exit(1)
	}
	if result != nil {
		printResult(result)
	}
}
