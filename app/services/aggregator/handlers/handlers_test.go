package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adamwoolhether/aggregator/app/services/aggregator/handlers"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/querygroup"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txservice"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable/memory"
	"github.com/adamwoolhether/aggregator/foundation/events"
)

// funded gives every signer a large balance and keeps the chain at nonce 0.
type funded struct {
	mu   sync.Mutex
	sent int
}

func (w *funded) CheckTx(ctx context.Context, tx txdata.Tx) (txdata.CheckResult, error) {
	if tx.Signature == "bad" {
		return txdata.CheckResult{Failures: []txdata.Failure{{Type: "invalid-signature", Description: "bad signature"}}}, nil
	}
	return txdata.CheckResult{}, nil
}

func (w *funded) SendTxs(ctx context.Context, txs []txdata.Tx) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sent += len(txs)
	return nil
}

func (w *funded) WalletAddress(ctx context.Context, pubKey string) (common.Address, bool, error) {
	return common.BytesToAddress([]byte(pubKey)), true, nil
}

func (w *funded) RewardBalanceOf(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

type testApp struct {
	public  http.Handler
	private http.Handler
	debug   http.Handler
}

func newTestApp(t *testing.T) testApp {
	t.Helper()

	db := memory.New()
	reg := prometheus.NewRegistry()

	svc, err := txservice.New(context.Background(), txservice.Config{
		Clock:               clock.NewMock(),
		Group:               querygroup.New(db),
		Ready:               db.Table(txtable.ReadyTable, true),
		Future:              db.Table(txtable.FutureTable, false),
		Wallet:              &funded{},
		TxQueryLimit:        100,
		MaxFutureTxs:        100,
		MaxAggregationSize:  100,
		MaxAggregationDelay: time.Second,
		Registerer:          reg,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	log := zap.NewNop().Sugar()
	cfg := handlers.MuxConfig{
		Build:    "test",
		Shutdown: make(chan os.Signal, 1),
		Log:      log,
		Service:  svc,
		Evts:     events.New(),
	}

	return testApp{
		public:  handlers.PublicMux(cfg),
		private: handlers.PrivateMux(cfg),
		debug:   handlers.DebugMux("test", log, reg, svc),
	}
}

func call(t *testing.T, h http.Handler, method string, path string, body string) (int, map[string]any) {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var got map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	}

	return w.Code, got
}

func txBody(nonce int, reward string, sig string) string {
	return fmt.Sprintf(`{"pubKey":"0xabc","nonce":%d,"tokenRewardAmount":%q,"signature":%q,"payload":"0x01"}`, nonce, reward, sig)
}

func TestAddTransaction(t *testing.T) {
	app := newTestApp(t)

	code, got := call(t, app.public, http.MethodPost, "/v1/transaction", txBody(0, "0xa", "sig"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{}, got["failures"])

	code, got = call(t, app.public, http.MethodPost, "/v1/transaction", txBody(0, "0x5", "sig"))
	require.Equal(t, http.StatusBadRequest, code)
	failures := got["failures"].([]any)
	require.Len(t, failures, 1)
	require.Equal(t, txdata.FailureInsufficientReward, failures[0].(map[string]any)["type"])

	code, got = call(t, app.public, http.MethodPost, "/v1/transaction", txBody(1, "0x1", "bad"))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid-signature", got["failures"].([]any)[0].(map[string]any)["type"])

	code, got = call(t, app.public, http.MethodGet, "/v1/transaction/count", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1.0, got["ready"])
	require.Equal(t, 0.0, got["future"])
}

func TestAddTransaction_BadRequest(t *testing.T) {
	app := newTestApp(t)

	code, got := call(t, app.public, http.MethodPost, "/v1/transaction", `{"pubKey":`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, got["error"], "unable to decode payload")

	code, got = call(t, app.public, http.MethodPost, "/v1/transaction", `{"nonce":1,"tokenRewardAmount":"0x1","signature":"s"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "data validation error", got["error"])
	require.Contains(t, got["fields"], "pubKey")

	code, got = call(t, app.public, http.MethodPost, "/v1/transaction", `{"pubKey":"0xabc","nonce":9223372036854775808,"tokenRewardAmount":"0x1","signature":"s"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "data validation error", got["error"])
	require.Contains(t, got["fields"], "nonce")
}

func TestRunBatch(t *testing.T) {
	app := newTestApp(t)

	for n := 0; n < 3; n++ {
		code, _ := call(t, app.public, http.MethodPost, "/v1/transaction", txBody(n, "0x1", "sig"))
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := call(t, app.public, http.MethodPost, "/v1/transaction", txBody(7, "0x1", "sig"))
	require.Equal(t, http.StatusOK, code)

	code, got := call(t, app.private, http.MethodPost, "/v1/batch/run", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 3.0, got["submitted"])
	require.Equal(t, 0.0, got["insufficient"])

	_, got = call(t, app.public, http.MethodGet, "/v1/transaction/count", "")
	require.Equal(t, 0.0, got["ready"])
	require.Equal(t, 1.0, got["future"])
}

func TestDebug(t *testing.T) {
	app := newTestApp(t)

	code, _ := call(t, app.public, http.MethodPost, "/v1/transaction", txBody(0, "0x1", "sig"))
	require.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	app.debug.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "aggregator_ready_txs 1")

	code, got := call(t, app.debug, http.MethodGet, "/debug/readiness", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", got["status"])
}

func TestViewer(t *testing.T) {
	app := newTestApp(t)

	w := httptest.NewRecorder()
	app.public.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/viewer", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "build test")
	require.Contains(t, w.Body.String(), `"/v1/events"`)

	w = httptest.NewRecorder()
	app.public.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/viewer/assets/viewer.css", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/css; charset=utf-8", w.Header().Get("Content-Type"))

	w = httptest.NewRecorder()
	app.public.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/viewer/assets/missing.js", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}
