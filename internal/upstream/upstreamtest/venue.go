// Package upstreamtest runs an in-process stand-in for the trading venue:
// a TLS listener speaking the framed protobuf protocol with scripted
// responses. Tests point the gateway's demo/live hosts at it.
package upstreamtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/Abhishek37-dulat/ctrader-gateway/internal/protoreg"
	"github.com/Abhishek37-dulat/ctrader-gateway/internal/upstream"
)

// Reply is one frame the venue sends back for a request.
type Reply struct {
	PayloadKey string
	Fields     map[string]any
	// OmitClientMsgID leaves the correlation id off the wrapper, the way
	// the venue answers system requests.
	OmitClientMsgID bool
}

// Handler scripts the venue's answer to one payload type. Returning no
// replies swallows the request.
type Handler func(fields map[string]any, clientMsgID string) []Reply

// Venue is the fake. Safe for concurrent use; Close stops the listener and
// all live connections.
type Venue struct {
	reg *protoreg.Registry
	ln  net.Listener

	mu           sync.Mutex
	conns        map[net.Conn]struct{}
	handlers     map[string]Handler
	requests     []string
	clientMsgIDs []string
	appAuths     int
	closed       bool

	wg sync.WaitGroup
}

// Start launches the venue on an ephemeral localhost port, loading the
// protocol schema from protoDir.
func Start(protoDir string) (*Venue, error) {
	reg := protoreg.New(protoDir)
	if err := reg.Load(); err != nil {
		return nil, err
	}
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return nil, err
	}

	v := &Venue{
		reg:      reg,
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
		handlers: make(map[string]Handler),
	}
	v.installDefaultHandlers()

	v.wg.Add(1)
	go v.acceptLoop()
	return v, nil
}

// Port the venue listens on.
func (v *Venue) Port() int {
	return v.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and drops every connection.
func (v *Venue) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.ln.Close()
	v.DropConnections()
	v.wg.Wait()
}

// DropConnections severs every live connection while keeping the listener
// up, simulating a venue-side disconnect.
func (v *Venue) DropConnections() {
	v.mu.Lock()
	conns := make([]net.Conn, 0, len(v.conns))
	for c := range v.conns {
		conns = append(conns, c)
	}
	v.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// SetHandler replaces the script for one payload key.
func (v *Venue) SetHandler(payloadKey string, h Handler) {
	v.mu.Lock()
	v.handlers[payloadKey] = h
	v.mu.Unlock()
}

// Requests returns the payload names received so far, in order.
func (v *Venue) Requests() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.requests...)
}

// ClientMsgIDs returns the wrapper correlation ids received so far.
func (v *Venue) ClientMsgIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.clientMsgIDs...)
}

// AppAuthCount reports how many application auth requests arrived, which is
// also the number of sessions the venue has accepted.
func (v *Venue) AppAuthCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.appAuths
}

// WaitForAppAuths polls until the venue has seen n application auths.
func (v *Venue) WaitForAppAuths(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if v.AppAuthCount() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// PushSpot broadcasts a spot event to every live connection. Prices are
// venue units: 1/100000 of the quoted price.
func (v *Venue) PushSpot(ctidTraderAccountID, symbolID int64, bid, ask uint64) error {
	return v.Push("PROTO_OA_SPOT_EVENT", map[string]any{
		"ctidTraderAccountId": ctidTraderAccountID,
		"symbolId":            symbolID,
		"bid":                 bid,
		"ask":                 ask,
		"timestamp":           time.Now().UnixMilli(),
	})
}

// PushRaw writes raw bytes to every live connection, framing and all. Lets
// tests poison the stream on purpose.
func (v *Venue) PushRaw(b []byte) error {
	v.mu.Lock()
	conns := make([]net.Conn, 0, len(v.conns))
	for c := range v.conns {
		conns = append(conns, c)
	}
	v.mu.Unlock()
	for _, c := range conns {
		if _, err := c.Write(b); err != nil {
			return err
		}
	}
	return nil
}

// Push broadcasts an arbitrary event frame to every live connection.
func (v *Venue) Push(payloadKey string, fields map[string]any) error {
	frame, err := v.encode(payloadKey, fields, "")
	if err != nil {
		return err
	}
	v.mu.Lock()
	conns := make([]net.Conn, 0, len(v.conns))
	for c := range v.conns {
		conns = append(conns, c)
	}
	v.mu.Unlock()
	for _, c := range conns {
		if _, err := c.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

func (v *Venue) acceptLoop() {
	defer v.wg.Done()
	for {
		conn, err := v.ln.Accept()
		if err != nil {
			return
		}
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			conn.Close()
			return
		}
		v.conns[conn] = struct{}{}
		v.mu.Unlock()

		v.wg.Add(1)
		go v.serve(conn)
	}
}

func (v *Venue) serve(conn net.Conn) {
	defer v.wg.Done()
	defer func() {
		v.mu.Lock()
		delete(v.conns, conn)
		v.mu.Unlock()
		conn.Close()
	}()

	var buf []byte
	chunk := make([]byte, 16*1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, tail, ferr := upstream.Deframe(buf)
			for _, f := range frames {
				v.handleFrame(conn, f)
			}
			if ferr != nil {
				return
			}
			buf = append(buf[:0], tail...)
		}
		if err != nil {
			return
		}
	}
}

func (v *Venue) handleFrame(conn net.Conn, frame []byte) {
	env, err := v.reg.DecodeProtoMessage(frame)
	if err != nil {
		return
	}
	name, ok := v.reg.PayloadTypeName(env.PayloadType)
	if !ok {
		return
	}
	var fields map[string]any
	if msgType, err := v.reg.MessageTypeFromPayloadName(name); err == nil {
		fields, _ = v.reg.DecodeMessage(msgType, env.Payload)
	}

	v.mu.Lock()
	v.requests = append(v.requests, name)
	if env.ClientMsgID != "" {
		v.clientMsgIDs = append(v.clientMsgIDs, env.ClientMsgID)
	}
	if name == "PROTO_OA_APPLICATION_AUTH_REQ" {
		v.appAuths++
	}
	h := v.handlers[name]
	v.mu.Unlock()

	if h == nil {
		return
	}
	for _, reply := range h(fields, env.ClientMsgID) {
		id := env.ClientMsgID
		if reply.OmitClientMsgID {
			id = ""
		}
		out, err := v.encode(reply.PayloadKey, reply.Fields, id)
		if err != nil {
			panic(fmt.Sprintf("venue cannot encode %s: %v", reply.PayloadKey, err))
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (v *Venue) encode(payloadKey string, fields map[string]any, clientMsgID string) ([]byte, error) {
	id, err := v.reg.PayloadTypeID(payloadKey)
	if err != nil {
		return nil, err
	}
	msgType, err := v.reg.MessageTypeFromPayloadName(payloadKey)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := v.reg.EncodeMessage(msgType, fields)
	if err != nil {
		return nil, err
	}
	wrapped, err := v.reg.EncodeProtoMessage(id, payload, clientMsgID)
	if err != nil {
		return nil, err
	}
	return upstream.Frame(wrapped), nil
}

// Default scripts cover the happy paths: two trading accounts, three
// symbols, accepted orders. System responses omit the correlation id the
// way the venue does.
func (v *Venue) installDefaultHandlers() {
	v.handlers["PROTO_OA_APPLICATION_AUTH_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey:      "PROTO_OA_APPLICATION_AUTH_RES",
			OmitClientMsgID: true,
		}}
	}

	v.handlers["PROTO_OA_ACCOUNT_AUTH_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey:      "PROTO_OA_ACCOUNT_AUTH_RES",
			Fields:          map[string]any{"ctidTraderAccountId": fields["ctidTraderAccountId"]},
			OmitClientMsgID: true,
		}}
	}

	v.handlers["PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_GET_ACCOUNTS_BY_ACCESS_TOKEN_RES",
			Fields: map[string]any{
				"accessToken": fields["accessToken"],
				"ctidTraderAccount": []any{
					map[string]any{"ctidTraderAccountId": int64(111111), "isLive": false, "traderLogin": int64(1001)},
					map[string]any{"ctidTraderAccountId": int64(222222), "isLive": true, "traderLogin": int64(1002)},
				},
			},
		}}
	}

	v.handlers["PROTO_OA_TRADER_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_TRADER_RES",
			Fields: map[string]any{
				"ctidTraderAccountId": fields["ctidTraderAccountId"],
				"trader": map[string]any{
					"ctidTraderAccountId": fields["ctidTraderAccountId"],
					"balance":             int64(1_000_000),
					"depositAssetId":      int64(2),
					"brokerName":          "Test Broker",
					"moneyDigits":         int64(2),
				},
			},
		}}
	}

	v.handlers["PROTO_OA_SYMBOLS_LIST_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_SYMBOLS_LIST_RES",
			Fields: map[string]any{
				"ctidTraderAccountId": fields["ctidTraderAccountId"],
				"symbol": []any{
					map[string]any{"symbolId": int64(1), "symbolName": "EURUSD", "enabled": true},
					map[string]any{"symbolId": int64(2), "symbolName": "EURGBP", "enabled": true},
					map[string]any{"symbolId": int64(3), "symbolName": "USDJPY", "enabled": true},
				},
			},
		}}
	}

	v.handlers["PROTO_OA_SUBSCRIBE_SPOTS_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_SUBSCRIBE_SPOTS_RES",
			Fields:     map[string]any{"ctidTraderAccountId": fields["ctidTraderAccountId"]},
		}}
	}

	v.handlers["PROTO_OA_UNSUBSCRIBE_SPOTS_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_UNSUBSCRIBE_SPOTS_RES",
			Fields:     map[string]any{"ctidTraderAccountId": fields["ctidTraderAccountId"]},
		}}
	}

	v.handlers["PROTO_OA_NEW_ORDER_REQ"] = func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_EXECUTION_EVENT",
			Fields: map[string]any{
				"ctidTraderAccountId": fields["ctidTraderAccountId"],
				"executionType":       "ORDER_ACCEPTED",
				"order": map[string]any{
					"orderId":     int64(900001),
					"orderType":   fields["orderType"],
					"orderStatus": "ORDER_STATUS_ACCEPTED",
					"tradeData": map[string]any{
						"symbolId":  fields["symbolId"],
						"volume":    fields["volume"],
						"tradeSide": fields["tradeSide"],
					},
				},
			},
		}}
	}
}

// AlreadyAuthorizedScript makes account auth fail the way the venue reports
// a duplicate authorization.
func (v *Venue) AlreadyAuthorizedScript() {
	v.SetHandler("PROTO_OA_ACCOUNT_AUTH_REQ", func(fields map[string]any, id string) []Reply {
		return []Reply{{
			PayloadKey: "PROTO_OA_ERROR_RES",
			Fields: map[string]any{
				"errorCode":   "ALREADY_LOGGED_IN",
				"description": "Trading account is Already Authorized",
			},
			OmitClientMsgID: true,
		}}
	})
}

func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
