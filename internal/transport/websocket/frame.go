// Package websocket carries broker traffic over a WebSocket link to a jobrelay
// relay server.
//
// Clients connect to:
//
//	GET /realtime   (X-Api-Key header or ?api_key= when auth is enabled)
//
// Client → server frames:
//
//	{"op":"sub",   "topic":"document-extraction"}
//	{"op":"unsub", "topic":"document-extraction"}
//	{"op":"pub",   "topic":"document-extraction", "data":"<base64>"}
//
// Server → client frames:
//
//	{"op":"msg",   "topic":"document-extraction", "data":"<base64>"}
//	{"op":"error", "topic":"...", "error":"rate limit exceeded"}
package websocket

const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opMessage     = "msg"
	opError       = "error"
)

// APIKeyHeader carries the relay credential on the upgrade request.
const APIKeyHeader = "X-Api-Key"

type frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}
