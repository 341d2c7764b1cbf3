package notify

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebsocketNotifier decorates a Notifier with live delivery: a
// subscriber URL that has an open websocket connection registered via
// Upgrade receives every Publish payload for its topic immediately,
// in addition to (not instead of) the wrapped Notifier's bookkeeping.
//
// Grounded on pkg/server/handlers/websocket.go's ChangeStreamManager
// (upgrader + mutex-guarded map of live connections), generalized from
// one oplog-backed change stream per connection to one connection per
// (topic, subscriber url) pair.
type WebsocketNotifier struct {
	Notifier
	log *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]map[string]*websocket.Conn // topic -> url -> conn
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebsocketNotifier wraps next, adding websocket push delivery.
func NewWebsocketNotifier(next Notifier, log *zap.SugaredLogger) *WebsocketNotifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &WebsocketNotifier{
		Notifier: next,
		log:      log,
		conns:    make(map[string]map[string]*websocket.Conn),
	}
}

// Upgrade promotes an incoming HTTP request to a websocket connection
// and registers it to receive topic's publishes under subscriber url,
// alongside the wrapped Notifier's Subscribe bookkeeping.
func (w *WebsocketNotifier) Upgrade(rw http.ResponseWriter, r *http.Request, topic, url string) error {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return err
	}
	if err := w.Notifier.Subscribe(topic, url); err != nil {
		conn.Close()
		return err
	}

	w.mu.Lock()
	byURL, ok := w.conns[topic]
	if !ok {
		byURL = make(map[string]*websocket.Conn)
		w.conns[topic] = byURL
	}
	if old, exists := byURL[url]; exists {
		old.Close()
	}
	byURL[url] = conn
	w.mu.Unlock()

	go w.drainUntilClosed(topic, url, conn)
	return nil
}

// drainUntilClosed discards inbound frames (this connection is
// publish-only from the server's side) until the peer disconnects, then
// deregisters it. A live websocket's read loop must run to notice the
// peer going away and to service control frames (ping/pong, close).
func (w *WebsocketNotifier) drainUntilClosed(topic, url string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	w.mu.Lock()
	if byURL, ok := w.conns[topic]; ok {
		if current, exists := byURL[url]; exists && current == conn {
			delete(byURL, url)
		}
	}
	w.mu.Unlock()
	conn.Close()
}

// Publish pushes content to every live websocket connection subscribed
// to topic, then delegates to the wrapped Notifier.
func (w *WebsocketNotifier) Publish(topic, content string) error {
	w.mu.Lock()
	byURL := w.conns[topic]
	conns := make([]*websocket.Conn, 0, len(byURL))
	for _, c := range byURL {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
			w.log.Debugw("websocket publish failed, leaving cleanup to the read loop", "topic", topic, "err", err)
		}
	}
	return w.Notifier.Publish(topic, content)
}

// Unsubscribe closes and deregisters any live connection for url under
// topic before delegating to the wrapped Notifier.
func (w *WebsocketNotifier) Unsubscribe(topic, url string) error {
	w.mu.Lock()
	if byURL, ok := w.conns[topic]; ok {
		if conn, exists := byURL[url]; exists {
			delete(byURL, url)
			conn.Close()
		}
	}
	w.mu.Unlock()
	return w.Notifier.Unsubscribe(topic, url)
}
