package publisher

import (
	"log"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// Server hosts the snapshot-stream WebSocket endpoint on its own port
// (spec.md §6, default 4450), separate from the hook-ingest/log-server
// mux. Since the daemon binds to loopback only and authentication is
// explicitly out of scope (spec.md §1), the only access control is an
// origin check restricting browser clients to loopback origins.
type Server struct {
	pub *Publisher
}

// NewServer wraps a Publisher for HTTP/WebSocket serving.
func NewServer(pub *Publisher) *Server {
	return &Server{pub: pub}
}

// Register attaches the WebSocket upgrade handler to mux at /ws.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkLoopbackOrigin,
}

func checkLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("publisher: ws upgrade error: %v", err)
		return
	}

	c := newClient(conn)
	s.pub.mu.Lock()
	if s.pub.maxConn > 0 && len(s.pub.clients) >= s.pub.maxConn {
		s.pub.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return
	}
	s.pub.clients[c] = true
	s.pub.mu.Unlock()

	// Initial bulk of inserts for existing sessions (spec.md §6).
	s.pub.sendBulkTo(c)

	go func() {
		defer func() {
			s.pub.removeClient(c)
			log.Printf("publisher: client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
