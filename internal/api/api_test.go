package api_test

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/api"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/gateway"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/kv"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/oauth"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/protoreg"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/quotes"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/session"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/symbols"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream/upstreamtest"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/config"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/crypto"
)

func protoDir() string {
	return filepath.Join("..", "..", "proto")
}

type stubOAuth struct {
	tokens *oauth.Tokens
	err    error
}

func (s *stubOAuth) Exchange(ctx context.Context, code string) (*oauth.Tokens, error) {
	return s.tokens, s.err
}

func (s *stubOAuth) Refresh(ctx context.Context, refreshToken string) (*oauth.Tokens, error) {
	return s.tokens, s.err
}

type stack struct {
	srv      *api.Server
	venue    *upstreamtest.Venue
	sessions *session.Store
	mem      *kv.Memory
}

func newStack(t *testing.T, internalKey string) *stack {
	t.Helper()

	v, err := upstreamtest.Start(protoDir())
	if err != nil {
		t.Fatalf("start venue: %v", err)
	}
	t.Cleanup(v.Close)

	conn := upstream.NewConn(protoreg.New(protoDir()), upstream.Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		DefaultEnv:   "demo",
		DemoHost:     "127.0.0.1",
		LiveHost:     "127.0.0.1",
		Port:         v.Port(),
		TLSConfig:    &tls.Config{InsecureSkipVerify: true},
	}, zaptest.NewLogger(t))

	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i + 3)
	}
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	mem := kv.NewMemory()
	sessions := session.NewStore(mem, enc)
	syms := symbols.NewStore(mem, time.Hour)
	bus := quotes.NewBus()

	gw := gateway.New(conn, bus, sessions, syms,
		&stubOAuth{tokens: &oauth.Tokens{AccessToken: "A", RefreshToken: "R", ExpiresIn: 3600}},
		"demo", zaptest.NewLogger(t))
	conn.SetEventHandler(gw.HandleUpstreamEvent)

	if err := conn.Start(); err != nil {
		t.Fatalf("conn.Start: %v", err)
	}
	t.Cleanup(conn.Stop)

	cfg := &config.Config{
		NodeEnv:        "test",
		DefaultEnv:     "demo",
		InternalAPIKey: internalKey,
	}
	srv := api.NewServer(gw, bus, cfg, zaptest.NewLogger(t))
	return &stack{srv: srv, venue: v, sessions: sessions, mem: mem}
}

func (st *stack) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	st.srv.Router.ServeHTTP(w, req)
	return w
}

func asJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, w.Body.String())
	}
	return out
}

func u1(extra ...string) map[string]string {
	h := map[string]string{"x-user-id": "u1"}
	for i := 0; i+1 < len(extra); i += 2 {
		h[extra[i]] = extra[i+1]
	}
	return h
}

func TestHealth(t *testing.T) {
	st := newStack(t, "")
	w := st.do(t, "GET", "/health", "", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if ok, _ := asJSON(t, w)["ok"].(bool); !ok {
		t.Errorf("body = %s, want ok:true", w.Body.String())
	}
	if w.Header().Get("x-request-id") == "" {
		t.Error("x-request-id header missing")
	}
}

// Scenario: OAuth exchange stores encrypted tokens with the token TTL, and
// the accounts roster becomes reachable.
func TestOAuthExchangeThenAccounts(t *testing.T) {
	st := newStack(t, "")

	w := st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	if w.Code != 200 {
		t.Fatalf("exchange status = %d body = %s", w.Code, w.Body.String())
	}
	body := asJSON(t, w)
	if body["accessToken"] != "A" {
		t.Errorf("accessToken = %v, want A", body["accessToken"])
	}

	token, ok, err := st.sessions.AccessToken(context.Background(), "u1")
	if err != nil || !ok || token != "A" {
		t.Fatalf("stored token = %q ok=%v err=%v", token, ok, err)
	}
	if ttl := st.mem.TTL("session:u1"); ttl < 3590*time.Second || ttl > 3600*time.Second {
		t.Errorf("session TTL = %v, want about 3600s", ttl)
	}

	w = st.do(t, "GET", "/accounts", "", u1())
	if w.Code != 200 {
		t.Fatalf("accounts status = %d body = %s", w.Code, w.Body.String())
	}
	accounts := asJSON(t, w)
	if accounts["count"] != float64(2) {
		t.Errorf("count = %v, want 2", accounts["count"])
	}
}

func TestOAuthExchangeMissingFields(t *testing.T) {
	st := newStack(t, "")

	w := st.do(t, "POST", "/oauth/exchange", `{"userId":"u1"}`, nil)
	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	body := asJSON(t, w)
	if rid, _ := body["requestId"].(string); rid == "" {
		t.Errorf("error body = %s, want requestId", w.Body.String())
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Errorf("error body = %s, want error message", w.Body.String())
	}
	if _, ok := body["details"]; !ok {
		t.Errorf("error body = %s, want details field", w.Body.String())
	}

	w = st.do(t, "POST", "/oauth/exchange", `{"code":"abc"}`, nil)
	if w.Code != 400 {
		t.Fatalf("status without user = %d, want 400", w.Code)
	}
}

// Scenario: account authorization persists and an "already authorized"
// venue error still reports success.
func TestAuthorizeAccount(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)

	w := st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":42}`, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := asJSON(t, w)
	if body["authorized"] != true || body["activeAccountId"] != float64(42) {
		t.Errorf("body = %s", w.Body.String())
	}

	sess, err := st.sessions.Load(context.Background(), "u1")
	if err != nil || sess == nil || sess.ActiveAccountID == nil || *sess.ActiveAccountID != 42 {
		t.Fatalf("session after authorize = %+v err=%v", sess, err)
	}
	if sess.Env == nil || *sess.Env != "demo" {
		t.Errorf("session env = %v, want demo", sess.Env)
	}

	// Second authorization on the stateful channel: the venue complains,
	// the gateway swallows it.
	st.venue.AlreadyAuthorizedScript()
	w = st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":42}`, nil)
	if w.Code != 200 {
		t.Fatalf("repeat status = %d body = %s", w.Code, w.Body.String())
	}
	if asJSON(t, w)["authorized"] != true {
		t.Errorf("repeat body = %s, want authorized:true", w.Body.String())
	}
}

func TestAuthorizeAccountInvalidID(t *testing.T) {
	st := newStack(t, "")
	w := st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":-5}`, nil)
	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// Scenario: empty catalog triggers a refresh; q=eur finds the two EUR pairs.
func TestSymbolsSearchRefreshesCache(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":111111}`, nil)

	w := st.do(t, "GET", "/symbols?q=eur&limit=5", "", u1())
	if w.Code != 200 {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := asJSON(t, w)
	if body["count"] != float64(2) {
		t.Errorf("count = %v body = %s", body["count"], w.Body.String())
	}
	if body["activeAccountId"] != float64(111111) {
		t.Errorf("activeAccountId = %v", body["activeAccountId"])
	}
}

func TestSymbolsLimitValidation(t *testing.T) {
	st := newStack(t, "")
	for _, q := range []string{"limit=0", "limit=2001", "limit=abc"} {
		w := st.do(t, "GET", "/symbols?"+q, "", u1())
		if w.Code != 400 {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

// Scenario: quote wait succeeds when a spot arrives, times out otherwise.
func TestQuoteWaitAndTimeout(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":111111}`, nil)

	go func() {
		time.Sleep(200 * time.Millisecond)
		st.venue.PushSpot(111111, 1, 110000, 110010)
	}()
	w := st.do(t, "GET", "/quote?symbol=EURUSD&wait=5", "", u1())
	if w.Code != 200 {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := asJSON(t, w)
	if body["bid"] != 1.1 || body["symbol"] != "EURUSD" {
		t.Errorf("quote = %s", w.Body.String())
	}

	// Fresh symbol with no pushes: the wait expires.
	w = st.do(t, "GET", "/quote?symbol=USDJPY&wait=0.3", "", u1())
	if w.Code != 504 {
		t.Fatalf("timeout status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "QUOTE_TIMEOUT") {
		t.Errorf("timeout body = %s, want QUOTE_TIMEOUT", w.Body.String())
	}
}

func TestQuoteRequiresSymbol(t *testing.T) {
	st := newStack(t, "")
	if w := st.do(t, "GET", "/quote", "", u1()); w.Code != 400 {
		t.Errorf("no symbol: status = %d, want 400", w.Code)
	}
	if w := st.do(t, "GET", "/quote?symbol=EURUSD", "", nil); w.Code != 400 {
		t.Errorf("no user: status = %d, want 400", w.Code)
	}
}

func TestAccountInfoRoute(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":111111}`, nil)

	w := st.do(t, "GET", "/account", "", u1())
	if w.Code != 200 {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Test Broker") {
		t.Errorf("body = %s, want trader info", w.Body.String())
	}
}

// Scenario: MARKET orders with an absolute stop loss are rejected before
// anything reaches the venue.
func TestTradeMarketAbsoluteStopLossRejected(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":111111}`, nil)

	w := st.do(t, "POST", "/trade",
		`{"userId":"u1","symbol":"EURUSD","side":"buy","orderType":"MARKET","volumeUnits":10,"stopLoss":1.0}`, nil)
	if w.Code != 400 {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	for _, req := range st.venue.Requests() {
		if req == "PROTO_OA_NEW_ORDER_REQ" {
			t.Error("rejected order still reached the venue")
		}
	}
}

func TestTradeHappyPath(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":111111}`, nil)

	w := st.do(t, "POST", "/trade",
		`{"userId":"u1","symbol":"EURUSD","side":"SELL","orderType":"LIMIT","volumeUnits":2,"limitPrice":1.25,"label":"api-test"}`, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := asJSON(t, w)
	reqFields, _ := body["request"].(map[string]any)
	if reqFields["volume"] != float64(200) || reqFields["tradeSide"] != "SELL" {
		t.Errorf("request = %v", reqFields)
	}
	if body["response"] == nil {
		t.Error("response missing")
	}
}

func TestInternalKeyGate(t *testing.T) {
	st := newStack(t, "sekrit")

	// Health and metrics stay open.
	if w := st.do(t, "GET", "/health", "", nil); w.Code != 200 {
		t.Errorf("health status = %d", w.Code)
	}
	if w := st.do(t, "GET", "/metrics", "", nil); w.Code != 200 {
		t.Errorf("metrics status = %d", w.Code)
	}

	w := st.do(t, "GET", "/accounts", "", u1())
	if w.Code != 401 {
		t.Fatalf("without key: status = %d, want 401", w.Code)
	}

	w = st.do(t, "GET", "/accounts", "", u1("x-internal-key", "wrong"))
	if w.Code != 401 {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}

	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, map[string]string{"x-internal-key": "sekrit"})
	w = st.do(t, "GET", "/accounts", "", u1("x-internal-key", "sekrit"))
	if w.Code != 200 {
		t.Fatalf("with key: status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestWebSocketQuoteStream(t *testing.T) {
	st := newStack(t, "")
	st.do(t, "POST", "/oauth/exchange", `{"userId":"u1","code":"abc"}`, nil)
	st.do(t, "POST", "/auth/account", `{"userId":"u1","accountId":111111}`, nil)

	httpSrv := httptest.NewServer(st.srv.Router)
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/quotes?symbol=EURUSD"
	header := http.Header{}
	header.Set("x-user-id", "u1")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer ws.Close()

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(100 * time.Millisecond)
			st.venue.PushSpot(111111, 1, 110000+uint64(i), 110010)
		}
	}()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var q map[string]any
	if err := ws.ReadJSON(&q); err != nil {
		t.Fatalf("read quote from stream: %v", err)
	}
	if q["symbolId"] != float64(1) {
		t.Errorf("stream quote = %v", q)
	}
}
