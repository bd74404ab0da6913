// Package gateway orchestrates the venue channel, the credential stores and
// the quote bus behind the public operations the HTTP surface exposes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/httperr"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/monitor"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/oauth"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/quotes"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/session"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/symbols"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream"
	"github.com/Abhishek37-dulat/ctrader-gateway/pkg/config"
)

const (
	accountAuthTimeout = 10 * time.Second
	symbolsTimeout     = 20 * time.Second
	orderTimeout       = 15 * time.Second

	// Venue spot prices are integers scaled by 1e5.
	priceScale = 100000.0
)

// ErrNoQuoteYet is returned when a caller asks for the last quote before any
// spot event has arrived.
var ErrNoQuoteYet = errors.New("No quote received yet")

// Caller carries the per-request identity resolved from headers: the user
// and the optional environment and access-token overrides.
type Caller struct {
	UserID string
	Env    string
	Token  string
}

// AccountList is the decoded account roster for one access token.
type AccountList struct {
	Count int              `json:"count"`
	Items []map[string]any `json:"items"`
}

// SymbolList answers a catalog search.
type SymbolList struct {
	ActiveAccountID int64           `json:"activeAccountId"`
	Count           int             `json:"count"`
	Items           []symbols.Entry `json:"items"`
}

// QuoteView is a bus quote annotated with its subscription identity.
type QuoteView struct {
	UserID    string   `json:"userId"`
	Env       string   `json:"env"`
	AccountID int64    `json:"accountId"`
	Symbol    string   `json:"symbol"`
	SymbolID  int64    `json:"symbolId"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Timestamp int64    `json:"timestamp"`
}

// AuthorizeResult reports a completed account authorization.
type AuthorizeResult struct {
	Authorized      bool           `json:"authorized"`
	ActiveAccountID int64          `json:"activeAccountId"`
	Response        map[string]any `json:"response"`
}

type subEntry struct {
	userID string
	env    string
}

// Gateway owns no upstream state; it holds the process-wide singletons and
// resolves per-request identity against them.
type Gateway struct {
	log      *zap.Logger
	conn     *upstream.Conn
	bus      *quotes.Bus
	sessions *session.Store
	symbols  *symbols.Store
	oauth    oauth.Exchanger

	defaultEnv string

	// Subscription index: which user's channel state a venue account
	// belongs to. Spot events only carry the account id.
	mu   sync.Mutex
	subs map[int64]subEntry
}

func New(conn *upstream.Conn, bus *quotes.Bus, sessions *session.Store, syms *symbols.Store, ex oauth.Exchanger, defaultEnv string, log *zap.Logger) *Gateway {
	return &Gateway{
		log:        log,
		conn:       conn,
		bus:        bus,
		sessions:   sessions,
		symbols:    syms,
		oauth:      ex,
		defaultEnv: defaultEnv,
		subs:       make(map[int64]subEntry),
	}
}

// ExchangeCode trades an OAuth authorization code for tokens and stores
// them encrypted under the user's session.
func (g *Gateway) ExchangeCode(ctx context.Context, userID, code string) (*oauth.Tokens, error) {
	tokens, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, httperr.Upstream(err.Error(), nil)
	}
	if err := g.saveTokens(ctx, userID, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RefreshTokens refreshes the stored token pair.
func (g *Gateway) RefreshTokens(ctx context.Context, userID string) (*oauth.Tokens, error) {
	refresh, ok, err := g.sessions.RefreshToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, httperr.BadRequest("No refresh token stored for this user; complete the OAuth exchange first")
	}
	tokens, err := g.oauth.Refresh(ctx, refresh)
	if err != nil {
		return nil, httperr.Upstream(err.Error(), nil)
	}
	if err := g.saveTokens(ctx, userID, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (g *Gateway) saveTokens(ctx context.Context, userID string, tokens *oauth.Tokens) error {
	ttl := time.Duration(tokens.ExpiresIn) * time.Second
	return g.sessions.SaveTokens(ctx, userID, tokens.AccessToken, tokens.RefreshToken, ttl)
}

// ListAccounts fetches the trading accounts reachable with the caller's
// access token.
func (g *Gateway) ListAccounts(ctx context.Context, caller Caller) (*AccountList, error) {
	env, err := g.resolveEnv(ctx, caller)
	if err != nil {
		return nil, err
	}
	token, err := g.resolveAccessToken(ctx, caller)
	if err != nil {
		return nil, err
	}
	resp, err := g.send(ctx, env, upstream.KeyAccountListReq, map[string]any{
		"accessToken": token,
	}, 0)
	if err != nil {
		return nil, err
	}

	list := &AccountList{Items: []map[string]any{}}
	if raw, ok := resp.Fields["ctidTraderAccount"].([]any); ok {
		for _, item := range raw {
			if m, ok := item.(map[string]any); ok {
				list.Items = append(list.Items, m)
			}
		}
	}
	list.Count = len(list.Items)
	return list, nil
}

// AuthorizeAccount authorizes accountID on the venue channel and records it
// as the user's active account.
func (g *Gateway) AuthorizeAccount(ctx context.Context, caller Caller, accountID int64) (*AuthorizeResult, error) {
	if accountID <= 0 {
		return nil, httperr.BadRequest("accountId must be a positive integer")
	}
	env, err := g.resolveEnv(ctx, caller)
	if err != nil {
		return nil, err
	}
	token, err := g.resolveAccessToken(ctx, caller)
	if err != nil {
		return nil, err
	}
	resp, err := g.ensureAccountAuthorized(ctx, env, accountID, token)
	if err != nil {
		return nil, err
	}
	if _, err := g.sessions.Patch(ctx, caller.UserID, session.Session{
		ActiveAccountID: &accountID,
		Env:             &env,
	}, 0); err != nil {
		return nil, err
	}
	return &AuthorizeResult{Authorized: true, ActiveAccountID: accountID, Response: resp}, nil
}

// ListSymbols searches the cached catalog, refreshing it from the venue
// when it is empty.
func (g *Gateway) ListSymbols(ctx context.Context, caller Caller, q string, limit int) (*SymbolList, error) {
	env, accountID, token, err := g.resolveTrading(ctx, caller)
	if err != nil {
		return nil, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return nil, err
	}

	count, err := g.symbols.Count(ctx, caller.UserID, env, accountID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if err := g.refreshSymbols(ctx, caller.UserID, env, accountID); err != nil {
			return nil, err
		}
	}

	items, err := g.symbols.Search(ctx, caller.UserID, env, accountID, q, limit)
	if err != nil {
		return nil, err
	}
	return &SymbolList{ActiveAccountID: accountID, Count: len(items), Items: items}, nil
}

// GetQuote subscribes the caller's account to the symbol's spot stream and
// returns the last quote (wait <= 0) or the next one within wait.
func (g *Gateway) GetQuote(ctx context.Context, caller Caller, symbol string, wait time.Duration) (*QuoteView, error) {
	key, err := g.SubscribeQuotes(ctx, caller, symbol)
	if err != nil {
		return nil, err
	}

	if wait <= 0 {
		q, ok := g.bus.GetLast(key)
		if !ok {
			return nil, ErrNoQuoteYet
		}
		return viewOf(key, symbol, q), nil
	}

	q, err := g.bus.WaitForNext(ctx, key, wait)
	if err != nil {
		if errors.Is(err, quotes.ErrTimeout) {
			return nil, httperr.Timeout(quotes.ErrTimeout.Error())
		}
		return nil, err
	}
	return viewOf(key, symbol, q), nil
}

// SubscribeQuotes performs the resolution and venue subscription for a spot
// stream and returns the bus key to listen on.
func (g *Gateway) SubscribeQuotes(ctx context.Context, caller Caller, symbol string) (quotes.Key, error) {
	env, accountID, token, err := g.resolveTrading(ctx, caller)
	if err != nil {
		return quotes.Key{}, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return quotes.Key{}, err
	}
	symbolID, err := g.ensureSymbolID(ctx, caller.UserID, env, accountID, symbol)
	if err != nil {
		return quotes.Key{}, err
	}

	// Record the subscriber before the venue can push the first tick.
	g.mu.Lock()
	g.subs[accountID] = subEntry{userID: caller.UserID, env: env}
	g.mu.Unlock()

	if _, err := g.send(ctx, env, upstream.KeySubscribeSpotsReq, map[string]any{
		"ctidTraderAccountId":      accountID,
		"symbolId":                 []any{symbolID},
		"subscribeToSpotTimestamp": true,
	}, 0); err != nil {
		return quotes.Key{}, err
	}

	return quotes.Key{UserID: caller.UserID, Env: env, AccountID: accountID, SymbolID: symbolID}, nil
}

// AccountInfo fetches the trader record for the caller's active account.
func (g *Gateway) AccountInfo(ctx context.Context, caller Caller) (map[string]any, error) {
	env, accountID, token, err := g.resolveTrading(ctx, caller)
	if err != nil {
		return nil, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return nil, err
	}
	resp, err := g.send(ctx, env, upstream.KeyTraderReq, map[string]any{
		"ctidTraderAccountId": accountID,
	}, 0)
	if err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

// HandleUpstreamEvent routes venue pushes that settled no pending request.
// Spot events are keyed through the subscription index into the quote bus;
// everything else is logged and dropped.
func (g *Gateway) HandleUpstreamEvent(env, payloadName string, fields map[string]any) {
	switch payloadName {
	case upstream.KeySpotEvent:
		g.handleSpot(fields)
	case upstream.KeyExecutionEvent:
		g.log.Info("execution event",
			zap.Any("ctidTraderAccountId", fields["ctidTraderAccountId"]),
			zap.Any("executionType", fields["executionType"]))
	default:
		g.log.Debug("dropping venue event", zap.String("payload", payloadName))
	}
}

func (g *Gateway) handleSpot(fields map[string]any) {
	accountID, ok := fieldInt64(fields, "ctidTraderAccountId")
	if !ok {
		return
	}
	symbolID, ok := fieldInt64(fields, "symbolId")
	if !ok {
		return
	}
	g.mu.Lock()
	entry, ok := g.subs[accountID]
	g.mu.Unlock()
	if !ok {
		g.log.Debug("spot event for unindexed account", zap.Int64("accountId", accountID))
		return
	}

	q := quotes.Quote{SymbolID: symbolID}
	if bid, ok := fieldInt64(fields, "bid"); ok {
		v := float64(bid) / priceScale
		q.Bid = &v
	}
	if ask, ok := fieldInt64(fields, "ask"); ok {
		v := float64(ask) / priceScale
		q.Ask = &v
	}
	if ts, ok := fieldInt64(fields, "timestamp"); ok {
		q.Timestamp = ts
	}

	monitor.SpotEvents.Inc()
	g.bus.Upsert(quotes.Key{
		UserID:    entry.userID,
		Env:       entry.env,
		AccountID: accountID,
		SymbolID:  symbolID,
	}, q)
}

// resolveEnv picks the caller's override, then the session, then the
// process default.
func (g *Gateway) resolveEnv(ctx context.Context, caller Caller) (string, error) {
	if caller.Env != "" {
		env := strings.ToLower(caller.Env)
		if env != config.EnvDemo && env != config.EnvLive {
			return "", httperr.BadRequest(fmt.Sprintf("env must be %q or %q", config.EnvDemo, config.EnvLive))
		}
		return env, nil
	}
	sess, err := g.sessions.Load(ctx, caller.UserID)
	if err != nil {
		return "", err
	}
	if sess != nil && sess.Env != nil && *sess.Env != "" {
		return *sess.Env, nil
	}
	return g.defaultEnv, nil
}

func (g *Gateway) resolveAccessToken(ctx context.Context, caller Caller) (string, error) {
	if caller.Token != "" {
		return caller.Token, nil
	}
	token, ok, err := g.sessions.AccessToken(ctx, caller.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", httperr.BadRequest("No access token for this user; complete the OAuth exchange first")
	}
	return token, nil
}

func (g *Gateway) resolveAccountID(ctx context.Context, caller Caller, override int64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	sess, err := g.sessions.Load(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	if sess != nil && sess.ActiveAccountID != nil && *sess.ActiveAccountID > 0 {
		return *sess.ActiveAccountID, nil
	}
	return 0, httperr.BadRequest("No active account; authorize an account first via POST /auth/account")
}

func (g *Gateway) resolveTrading(ctx context.Context, caller Caller) (env string, accountID int64, token string, err error) {
	if env, err = g.resolveEnv(ctx, caller); err != nil {
		return
	}
	if accountID, err = g.resolveAccountID(ctx, caller, 0); err != nil {
		return
	}
	token, err = g.resolveAccessToken(ctx, caller)
	return
}

// ensureAccountAuthorized authorizes the account on the channel. The venue
// keeps this state per connection and answers a duplicate authorization
// with an error; that specific error means we are already done.
func (g *Gateway) ensureAccountAuthorized(ctx context.Context, env string, accountID int64, token string) (map[string]any, error) {
	resp, err := g.send(ctx, env, upstream.KeyAccountAuthReq, map[string]any{
		"ctidTraderAccountId": accountID,
		"accessToken":         token,
	}, accountAuthTimeout)
	if err != nil {
		var he *httperr.Error
		if errors.As(err, &he) && strings.Contains(strings.ToLower(he.Message), "already authorized") {
			return map[string]any{"ctidTraderAccountId": accountID, "alreadyAuthorized": true}, nil
		}
		return nil, err
	}
	return resp.Fields, nil
}

// refreshSymbols downloads the full catalog and atomically replaces the
// cached one.
func (g *Gateway) refreshSymbols(ctx context.Context, userID, env string, accountID int64) error {
	resp, err := g.send(ctx, env, upstream.KeySymbolsListReq, map[string]any{
		"ctidTraderAccountId":    accountID,
		"includeArchivedSymbols": false,
	}, symbolsTimeout)
	if err != nil {
		return err
	}

	catalog := make(map[string]int64)
	if raw, ok := resp.Fields["symbol"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["symbolName"].(string)
			id, idOK := fieldInt64(m, "symbolId")
			if name == "" || !idOK || id <= 0 {
				continue
			}
			catalog[strings.ToUpper(name)] = id
		}
	}
	if err := g.symbols.ReplaceAll(ctx, userID, env, accountID, catalog); err != nil {
		return err
	}
	monitor.SymbolRefreshes.Inc()
	g.log.Info("symbol catalog refreshed",
		zap.String("userId", userID), zap.String("env", env),
		zap.Int64("accountId", accountID), zap.Int("symbols", len(catalog)))
	return nil
}

// ensureSymbolID resolves a symbol name, refreshing the catalog once on a
// miss before giving up.
func (g *Gateway) ensureSymbolID(ctx context.Context, userID, env string, accountID int64, symbol string) (int64, error) {
	id, ok, err := g.symbols.GetSymbolID(ctx, userID, env, accountID, symbol)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}
	if err := g.refreshSymbols(ctx, userID, env, accountID); err != nil {
		return 0, err
	}
	id, ok, err = g.symbols.GetSymbolID(ctx, userID, env, accountID, symbol)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, httperr.BadRequest("Symbol not found: " + strings.ToUpper(symbol))
	}
	return id, nil
}

// send forwards one request to the venue and converts error responses into
// the HTTP error taxonomy.
func (g *Gateway) send(ctx context.Context, env, payloadKey string, fields map[string]any, timeout time.Duration) (*upstream.Response, error) {
	resp, err := g.conn.Send(ctx, upstream.SendRequest{
		PayloadKey: payloadKey,
		Fields:     fields,
		Timeout:    timeout,
		Env:        env,
	})
	if err != nil {
		if strings.HasPrefix(err.Error(), "Request timeout") {
			return nil, httperr.Timeout(err.Error())
		}
		return nil, err
	}
	if resp.PayloadName == upstream.KeyErrorRes || resp.PayloadName == upstream.KeyCommonErrorRes {
		return nil, upstreamError(resp)
	}
	return resp, nil
}

func upstreamError(resp *upstream.Response) *httperr.Error {
	desc, _ := resp.Fields["description"].(string)
	code, _ := resp.Fields["errorCode"].(string)
	msg := desc
	if msg == "" {
		msg = code
	}
	if msg == "" {
		msg = "venue rejected the request"
	}
	return httperr.Upstream(msg, map[string]any{"errorCode": code})
}

func viewOf(key quotes.Key, symbol string, q quotes.Quote) *QuoteView {
	return &QuoteView{
		UserID:    key.UserID,
		Env:       key.Env,
		AccountID: key.AccountID,
		Symbol:    strings.ToUpper(symbol),
		SymbolID:  q.SymbolID,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Timestamp: q.Timestamp,
	}
}

// fieldInt64 reads an integer out of a decoded payload regardless of the
// wire type it arrived as.
func fieldInt64(fields map[string]any, name string) (int64, bool) {
	switch v := fields[name].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
