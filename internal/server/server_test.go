package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstollen/peertrade/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8080",
		Env:            "development",
		LogLevel:       "error",
		RPCURL:         config.DefaultRPCURL,
		ChainID:        config.DefaultChainID,
		WorkerPoolSize: 4,
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger)}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Not ready until Run has started the background loops.
	w = doJSON(t, s, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// The reconciler check reports healthy while the server is not yet
	// ready, so /health stays 200 before Run.
	w = doJSON(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/api", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "PeerTrade", body["name"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "peertrade_")
}

func TestOrderAndEscrowLifecycle(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodPost, "/v1/orders", gin.H{
		"buyerAddr":      "0x1111111111111111111111111111111111111111",
		"sellerAddr":     "0x2222222222222222222222222222222222222222",
		"cryptoAmount":   "1.5",
		"cryptoCurrency": "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	ord := decodeBody(t, w)["order"].(map[string]any)
	orderID := ord["id"].(string)
	assert.Equal(t, "AWAITING_FUNDS", ord["status"])

	w = doJSON(t, s, http.MethodGet, "/v1/orders/"+orderID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodPost, "/v1/escrows", gin.H{
		"orderId":         orderID,
		"escrowId":        "0xesc1",
		"contractAddress": "0x3333333333333333333333333333333333333333",
		"cryptoAmount":    "1.5",
		"cryptoCurrency":  "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	esc := decodeBody(t, w)["escrow"].(map[string]any)
	assert.Equal(t, "PENDING", esc["status"])

	// Second escrow for the same order conflicts.
	w = doJSON(t, s, http.MethodPost, "/v1/escrows", gin.H{
		"orderId":         orderID,
		"escrowId":        "0xesc2",
		"contractAddress": "0x3333333333333333333333333333333333333333",
		"cryptoAmount":    "1.5",
		"cryptoCurrency":  "ETH",
	}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Lookup by on-chain reference.
	w = doJSON(t, s, http.MethodGet, "/v1/escrows/0xesc1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/orders/"+orderID+"/escrows", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestOrderNotFound(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/v1/orders/ord_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody(t, w)["error"])
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodGet, "/api", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = doJSON(t, s, http.MethodGet, "/api", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestAdminAuth(t *testing.T) {
	t.Run("development without secret is open", func(t *testing.T) {
		s := newTestServer(t, testConfig())
		w := doJSON(t, s, http.MethodPost, "/admin/reconcile/escrows", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("production without secret is disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Env = "production"
		s := newTestServer(t, cfg)
		w := doJSON(t, s, http.MethodPost, "/admin/reconcile/escrows", nil, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "admin_disabled", decodeBody(t, w)["error"])
	})

	t.Run("secret required when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdminSecret = "hunter2"
		s := newTestServer(t, cfg)

		w := doJSON(t, s, http.MethodPost, "/admin/reconcile/escrows", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = doJSON(t, s, http.MethodPost, "/admin/reconcile/escrows", nil,
			map[string]string{"X-Admin-Secret": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = doJSON(t, s, http.MethodPost, "/admin/reconcile/escrows", nil,
			map[string]string{"X-Admin-Secret": "hunter2"})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestPollListener_DisabledWithoutContract(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := doJSON(t, s, http.MethodPost, "/admin/listener/poll", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "listener_disabled", decodeBody(t, w)["error"])
}

// fakeEthClient feeds canned contract logs through the listener.
type fakeEthClient struct {
	head uint64
	logs []types.Log
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

// TestEndToEndReconciliation drives the whole pipeline over HTTP: place
// an order, attach an escrow, pull contract events through the listener,
// reconcile, and observe the settled aggregates.
func TestEndToEndReconciliation(t *testing.T) {
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	escrowTopic := common.HexToHash("0x01")

	sigLocked := crypto.Keccak256Hash([]byte("FundsLocked(bytes32,uint256)"))
	sigReleased := crypto.Keccak256Hash([]byte("FundsReleased(bytes32,address)"))

	client := &fakeEthClient{
		head: 120,
		logs: []types.Log{
			{
				Address:     contract,
				Topics:      []common.Hash{sigLocked, escrowTopic},
				BlockNumber: 105,
				TxHash:      common.HexToHash("0xa1"),
			},
			{
				Address:     contract,
				Topics:      []common.Hash{sigReleased, escrowTopic},
				BlockNumber: 110,
				TxHash:      common.HexToHash("0xa2"),
			},
		},
	}

	cfg := testConfig()
	cfg.EscrowContract = contract.Hex()
	cfg.StartBlock = 100
	s := newTestServer(t, cfg, WithChainClient(client))

	w := doJSON(t, s, http.MethodPost, "/v1/orders", gin.H{
		"buyerAddr":      "0x1111111111111111111111111111111111111111",
		"sellerAddr":     "0x2222222222222222222222222222222222222222",
		"cryptoAmount":   "1.5",
		"cryptoCurrency": "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	orderID := decodeBody(t, w)["order"].(map[string]any)["id"].(string)

	w = doJSON(t, s, http.MethodPost, "/v1/escrows", gin.H{
		"orderId":         orderID,
		"escrowId":        escrowTopic.Hex(),
		"contractAddress": contract.Hex(),
		"cryptoAmount":    "1.5",
		"cryptoCurrency":  "ETH",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/admin/listener/poll", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	path := fmt.Sprintf("/admin/reconcile/escrows/%s", escrowTopic.Hex())
	w = doJSON(t, s, http.MethodPost, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/escrows/"+escrowTopic.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	esc := decodeBody(t, w)["escrow"].(map[string]any)
	assert.Equal(t, "RELEASED", esc["status"])

	w = doJSON(t, s, http.MethodGet, "/v1/orders/"+orderID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	ord := decodeBody(t, w)["order"].(map[string]any)
	assert.Equal(t, "COMPLETED", ord["status"])

	w = doJSON(t, s, http.MethodGet, "/admin/orders/"+orderID+"/consistency", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["isValid"])
}
