package websocket

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sneh-joshi/jobrelay/internal/transport/memory"
)

var upgrader = gorillaws.Upgrader{
	// Same-origin check on the host portion only, so ws:// and http:// match.
	// Requests without an Origin header (native clients) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// outboundBuffer is the per-client backlog of frames waiting to be written.
// A client that falls this far behind is disconnected.
const outboundBuffer = 256

// Relay exposes a memory.Hub to remote processes over WebSocket. Every
// accepted client becomes one hub connection, so in-process brokers dialing
// the hub directly and remote brokers dialing the relay share the same topics.
type Relay struct {
	hub      *memory.Hub
	hubToken string
	apiKey   string
	rps      rate.Limit
	burst    int
	logger   *slog.Logger
	clients  atomic.Int64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithAPIKey requires clients to present key. Empty disables auth.
func WithAPIKey(key string) RelayOption {
	return func(r *Relay) { r.apiKey = key }
}

// WithHubToken sets the credential the relay presents to its hub.
func WithHubToken(token string) RelayOption {
	return func(r *Relay) { r.hubToken = token }
}

// WithRateLimit bounds publish frames per client.
func WithRateLimit(rps float64, burst int) RelayOption {
	return func(r *Relay) {
		r.rps = rate.Limit(rps)
		r.burst = burst
	}
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// NewRelay builds a relay over hub.
func NewRelay(hub *memory.Hub, opts ...RelayOption) *Relay {
	r := &Relay{
		hub:    hub,
		rps:    rate.Inf,
		burst:  1,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// Clients returns the number of connected WebSocket clients.
func (r *Relay) Clients() int { return int(r.clients.Load()) }

func (r *Relay) authorized(req *http.Request) bool {
	if r.apiKey == "" {
		return true
	}
	provided := req.Header.Get(APIKeyHeader)
	if provided == "" {
		provided = req.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(r.apiKey)) == 1
}

// ServeHTTP authenticates, upgrades and runs the client session.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.authorized(req) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer ws.Close()
	// Deadlines set by the http.Server survive the hijack.
	_ = ws.NetConn().SetDeadline(time.Time{})

	conn, err := r.hub.Dial(req.Context(), r.hubToken)
	if err != nil {
		r.logger.Warn("relay hub dial failed", "err", err)
		return
	}
	defer conn.Close()

	r.clients.Add(1)
	defer r.clients.Add(-1)

	session := make(chan struct{})
	defer close(session)

	outbound := make(chan frame, outboundBuffer)
	forward := func(topic string) func([]byte) {
		return func(data []byte) {
			select {
			case outbound <- frame{Op: opMessage, Topic: topic, Data: data}:
			case <-session:
			}
		}
	}

	// Read client frames on their own goroutine; the loop below is the only
	// writer to ws.
	controlCh := make(chan frame, 64)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if jsonErr := json.Unmarshal(raw, &f); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- f:
			case <-session:
				return
			}
		}
	}()

	limiter := rate.NewLimiter(r.rps, r.burst)
	ctx := req.Context()

	for {
		select {
		case <-ctx.Done():
			return

		case <-conn.Done():
			return

		case f, ok := <-controlCh:
			if !ok {
				return
			}
			var reply *frame
			switch f.Op {
			case opSubscribe:
				if err := conn.Subscribe(ctx, f.Topic, forward(f.Topic)); err != nil {
					reply = &frame{Op: opError, Topic: f.Topic, Error: err.Error()}
				}
			case opUnsubscribe:
				_ = conn.Unsubscribe(ctx, f.Topic)
			case opPublish:
				if !limiter.Allow() {
					reply = &frame{Op: opError, Topic: f.Topic, Error: "rate limit exceeded"}
					break
				}
				if err := conn.Publish(ctx, f.Topic, f.Data); err != nil {
					reply = &frame{Op: opError, Topic: f.Topic, Error: err.Error()}
				}
			default:
				reply = &frame{Op: opError, Error: fmt.Sprintf("unknown op %q", f.Op)}
			}
			if reply != nil {
				if err := writeFrame(ws, *reply); err != nil {
					return
				}
			}

		case f := <-outbound:
			if err := writeFrame(ws, f); err != nil {
				return
			}
		}
	}
}

func writeFrame(ws *gorillaws.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(gorillaws.TextMessage, data)
}
