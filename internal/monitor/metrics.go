// Package monitor exposes the Prometheus collectors shared across the
// gateway. Collectors register themselves at init through promauto and are
// served by the /metrics endpoint.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctrader_gateway_http_requests_total",
		Help: "HTTP requests handled, by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ctrader_gateway_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	UpstreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctrader_gateway_upstream_state",
		Help: "Upstream connection state: 0 disconnected, 1 connecting, 2 connected, 3 ready.",
	})

	UpstreamConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctrader_gateway_upstream_connects_total",
		Help: "Successful TLS connections to the trading venue.",
	})

	UpstreamDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctrader_gateway_upstream_disconnects_total",
		Help: "Connections to the trading venue that were lost or dropped.",
	})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctrader_gateway_upstream_requests_total",
		Help: "Request frames sent to the trading venue, by payload type.",
	}, []string{"payload"})

	UpstreamTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctrader_gateway_upstream_request_timeouts_total",
		Help: "Venue requests that expired before a response arrived.",
	})

	UpstreamDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctrader_gateway_upstream_decode_failures_total",
		Help: "Inbound frames that could not be decoded and were dropped.",
	})

	SpotEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctrader_gateway_spot_events_total",
		Help: "Spot price events received from the trading venue.",
	})

	QuoteWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctrader_gateway_quote_waiters",
		Help: "Callers currently blocked waiting for the next quote.",
	})

	OAuthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctrader_gateway_oauth_requests_total",
		Help: "Token endpoint calls, by grant type and outcome.",
	}, []string{"grant_type", "outcome"})

	TradesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctrader_gateway_trades_total",
		Help: "Trade orders forwarded to the venue, by outcome.",
	}, []string{"outcome"})

	SymbolRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctrader_gateway_symbol_refreshes_total",
		Help: "Full symbol list downloads from the venue.",
	})
)
