package gateway

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/httperr"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/monitor"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream"
)

// TradeRequest is the order the HTTP surface accepts. VolumeUnits is the
// human-facing quantity; the venue wants it scaled by 100.
type TradeRequest struct {
	UserID      string  `json:"userId"`
	Env         string  `json:"env"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	OrderType   string  `json:"orderType"`
	VolumeUnits float64 `json:"volumeUnits"`

	LimitPrice float64 `json:"limitPrice"`
	StopPrice  float64 `json:"stopPrice"`

	StopLoss           *float64 `json:"stopLoss"`
	TakeProfit         *float64 `json:"takeProfit"`
	RelativeStopLoss   *int64   `json:"relativeStopLoss"`
	RelativeTakeProfit *int64   `json:"relativeTakeProfit"`

	Comment string `json:"comment"`
	Label   string `json:"label"`
}

// TradeResult pairs the encoded order with the venue's answer.
type TradeResult struct {
	Request  map[string]any `json:"request"`
	Response map[string]any `json:"response"`
}

var validSides = map[string]bool{"BUY": true, "SELL": true}

var validOrderTypes = map[string]bool{
	"MARKET":     true,
	"LIMIT":      true,
	"STOP":       true,
	"STOP_LIMIT": true,
}

// PlaceTrade validates, encodes and submits one order.
func (g *Gateway) PlaceTrade(ctx context.Context, caller Caller, req TradeRequest) (*TradeResult, error) {
	env, accountID, token, err := g.resolveTrading(ctx, caller)
	if err != nil {
		return nil, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return nil, err
	}
	symbolID, err := g.ensureSymbolID(ctx, caller.UserID, env, accountID, req.Symbol)
	if err != nil {
		return nil, err
	}

	fields, err := buildOrderFields(req, accountID, symbolID)
	if err != nil {
		return nil, err
	}

	resp, err := g.send(ctx, env, upstream.KeyNewOrderReq, fields, orderTimeout)
	if err != nil {
		monitor.TradesPlaced.WithLabelValues("rejected").Inc()
		return nil, err
	}
	monitor.TradesPlaced.WithLabelValues("accepted").Inc()
	return &TradeResult{Request: fields, Response: resp.Fields}, nil
}

func buildOrderFields(req TradeRequest, accountID, symbolID int64) (map[string]any, error) {
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if !validSides[side] {
		return nil, httperr.BadRequest("side must be BUY or SELL")
	}

	orderType := strings.ToUpper(strings.TrimSpace(req.OrderType))
	if orderType == "" {
		orderType = "MARKET"
	}
	if !validOrderTypes[orderType] {
		return nil, httperr.BadRequest("orderType must be one of MARKET, LIMIT, STOP, STOP_LIMIT")
	}

	// Venue volume is hundredths of a unit; exact decimal math keeps
	// 0.01-unit orders from rounding to zero or drifting.
	volume := decimal.NewFromFloat(req.VolumeUnits).
		Mul(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	if volume <= 0 {
		return nil, httperr.BadRequest("volumeUnits must scale to a positive volume")
	}

	fields := map[string]any{
		"ctidTraderAccountId": accountID,
		"symbolId":            symbolID,
		"orderType":           orderType,
		"tradeSide":           side,
		"volume":              volume,
	}

	switch orderType {
	case "LIMIT":
		if req.LimitPrice <= 0 {
			return nil, httperr.BadRequest("LIMIT orders require a positive limitPrice")
		}
		fields["limitPrice"] = req.LimitPrice
	case "STOP":
		if req.StopPrice <= 0 {
			return nil, httperr.BadRequest("STOP orders require a positive stopPrice")
		}
		fields["stopPrice"] = req.StopPrice
	case "STOP_LIMIT":
		if req.StopPrice <= 0 {
			return nil, httperr.BadRequest("STOP_LIMIT orders require a positive stopPrice")
		}
		fields["stopPrice"] = req.StopPrice
		if req.LimitPrice > 0 {
			fields["limitPrice"] = req.LimitPrice
		}
	case "MARKET":
		// The venue rejects absolute protection levels on market orders;
		// only relative distances are allowed.
		if req.StopLoss != nil || req.TakeProfit != nil {
			return nil, httperr.BadRequest("MARKET orders accept only relativeStopLoss/relativeTakeProfit, not absolute stopLoss/takeProfit")
		}
	}

	if orderType != "MARKET" {
		if req.StopLoss != nil {
			fields["stopLoss"] = *req.StopLoss
		}
		if req.TakeProfit != nil {
			fields["takeProfit"] = *req.TakeProfit
		}
	}
	if req.RelativeStopLoss != nil {
		fields["relativeStopLoss"] = *req.RelativeStopLoss
	}
	if req.RelativeTakeProfit != nil {
		fields["relativeTakeProfit"] = *req.RelativeTakeProfit
	}
	if req.Comment != "" {
		fields["comment"] = req.Comment
	}
	if req.Label != "" {
		fields["label"] = req.Label
	}
	return fields, nil
}
