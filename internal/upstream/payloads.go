package upstream

// Payload enum keys for the venue interactions the gateway performs. Keys
// not listed here can still be sent by name; these are the hot paths.
const (
	KeyApplicationAuthReq = "PROTO_OA_APPLICATION_AUTH_REQ"
	KeyApplicationAuthRes = "PROTO_OA_APPLICATION_AUTH_RES"
	KeyAccountAuthReq     = "PROTO_OA_ACCOUNT_AUTH_REQ"
	KeyAccountAuthRes     = "PROTO_OA_ACCOUNT_AUTH_RES"
	KeyVersionReq         = "PROTO_OA_VERSION_REQ"
	KeyErrorRes           = "PROTO_OA_ERROR_RES"
	KeyCommonErrorRes     = "ERROR_RES"
	KeyHeartbeatEvent     = "PROTO_HEARTBEAT_EVENT"
	KeyAccountListReq     = "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ"
	KeyTraderReq          = "PROTO_OA_TRADER_REQ"
	KeySymbolsListReq     = "PROTO_OA_SYMBOLS_LIST_REQ"
	KeySubscribeSpotsReq  = "PROTO_OA_SUBSCRIBE_SPOTS_REQ"
	KeyUnsubscribeSpots   = "PROTO_OA_UNSUBSCRIBE_SPOTS_REQ"
	KeySpotEvent          = "PROTO_OA_SPOT_EVENT"
	KeyNewOrderReq        = "PROTO_OA_NEW_ORDER_REQ"
	KeyExecutionEvent     = "PROTO_OA_EXECUTION_EVENT"
)

// The venue answers a few system requests without echoing a client message
// id. Responses with these payload names settle the oldest pending request.
var systemResponses = map[string]bool{
	KeyApplicationAuthRes: true,
	KeyAccountAuthRes:     true,
	KeyErrorRes:           true,
}
