package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/gateway"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/httperr"
)

const (
	defaultSymbolLimit = 200
	maxSymbolLimit     = 2000
)

// handlerFunc is the shape every route implements: return a payload or an
// error; the wrapper does the rest.
type handlerFunc func(c *gin.Context) (any, error)

// handle normalizes handler outcomes into the response contract:
// 200 with the payload, or {error, details, requestId} with the mapped
// status.
func (s *Server) handle(h handlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := h(c)
		if err != nil {
			he := httperr.From(err)
			c.JSON(he.Status, gin.H{
				"error":     he.Message,
				"details":   he.Details,
				"requestId": c.GetString(ctxRequestID),
			})
			return
		}
		c.JSON(http.StatusOK, payload)
	}
}

// caller builds the request identity from headers. bodyUserID, when
// non-empty, backstops a missing x-user-id header on POST routes.
func caller(c *gin.Context, bodyUserID string) (gateway.Caller, error) {
	userID := c.GetHeader(headerUserID)
	if userID == "" {
		userID = bodyUserID
	}
	if userID == "" {
		return gateway.Caller{}, httperr.BadRequest("userId is required (x-user-id header or body field)")
	}
	return gateway.Caller{
		UserID: userID,
		Env:    c.GetHeader(headerEnv),
		Token:  c.GetHeader(headerAccessToken),
	}, nil
}

func (s *Server) oauthExchange(c *gin.Context) (any, error) {
	var body struct {
		UserID string `json:"userId"`
		Code   string `json:"code"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, httperr.BadRequest("invalid JSON body")
	}
	if body.Code == "" {
		return nil, httperr.BadRequest("code is required")
	}
	call, err := caller(c, body.UserID)
	if err != nil {
		return nil, err
	}
	return s.gw.ExchangeCode(c.Request.Context(), call.UserID, body.Code)
}

func (s *Server) oauthRefresh(c *gin.Context) (any, error) {
	var body struct {
		UserID string `json:"userId"`
	}
	// An empty body is fine when the header names the user.
	_ = c.ShouldBindJSON(&body)
	call, err := caller(c, body.UserID)
	if err != nil {
		return nil, err
	}
	return s.gw.RefreshTokens(c.Request.Context(), call.UserID)
}

func (s *Server) listAccounts(c *gin.Context) (any, error) {
	call, err := caller(c, "")
	if err != nil {
		return nil, err
	}
	return s.gw.ListAccounts(c.Request.Context(), call)
}

func (s *Server) authorizeAccount(c *gin.Context) (any, error) {
	var body struct {
		UserID    string `json:"userId"`
		AccountID int64  `json:"accountId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, httperr.BadRequest("invalid JSON body")
	}
	call, err := caller(c, body.UserID)
	if err != nil {
		return nil, err
	}
	return s.gw.AuthorizeAccount(c.Request.Context(), call, body.AccountID)
}

func (s *Server) listSymbols(c *gin.Context) (any, error) {
	call, err := caller(c, "")
	if err != nil {
		return nil, err
	}
	limit := defaultSymbolLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSymbolLimit {
			return nil, httperr.BadRequest("limit must be an integer in 1..2000")
		}
		limit = n
	}
	return s.gw.ListSymbols(c.Request.Context(), call, c.Query("q"), limit)
}

func (s *Server) getQuote(c *gin.Context) (any, error) {
	call, err := caller(c, "")
	if err != nil {
		return nil, err
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		return nil, httperr.BadRequest("symbol query parameter is required")
	}
	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			return nil, httperr.BadRequest("wait must be a non-negative number of seconds")
		}
		wait = time.Duration(secs * float64(time.Second))
	}
	return s.gw.GetQuote(c.Request.Context(), call, symbol, wait)
}

func (s *Server) accountInfo(c *gin.Context) (any, error) {
	call, err := caller(c, "")
	if err != nil {
		return nil, err
	}
	return s.gw.AccountInfo(c.Request.Context(), call)
}

func (s *Server) placeTrade(c *gin.Context) (any, error) {
	var req gateway.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, httperr.BadRequest("invalid JSON body")
	}
	call, err := caller(c, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.Env != "" && call.Env == "" {
		call.Env = req.Env
	}
	return s.gw.PlaceTrade(c.Request.Context(), call, req)
}
