package proxy

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The edge server has already authenticated the request; the token
	// check in ServeHTTP is the authorization boundary.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func isWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// relayWebSocket upgrades the client connection, dials the backend, and
// relays frames both ways until either side closes. The backend dial
// happens first: a dead backend yields 502 without ever upgrading.
func (s *Server) relayWebSocket(w http.ResponseWriter, r *http.Request, token, endpoint string) {
	backendURL := "ws://" + endpoint + r.URL.RequestURI()

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     websocket.Subprotocols(r),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	backendConn, resp, err := dialer.DialContext(ctx, backendURL, forwardableHeaders(r))
	if err != nil {
		log.Printf("websocket backend dial failed for %s: %v", endpoint, err)
		writeJSONError(w, http.StatusBadGateway, "session backend unavailable")
		go s.liveness.CheckLiveness(token)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer clientConn.Close()

	_ = s.registry.Touch(token)

	// Bidirectional relay: first error in either direction tears down
	// both connections, which unblocks the other goroutine's read.
	errChan := make(chan error, 2)
	go func() {
		errChan <- relayMessages(clientConn, backendConn)
	}()
	go func() {
		errChan <- relayMessages(backendConn, clientConn)
	}()

	err = <-errChan
	if err != nil && websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("websocket relay ended: %v", err)
	}

	// Closing both here releases the second relayMessages call; its
	// error is drained by the channel buffer.
	backendConn.Close()
	clientConn.Close()
}

// relayMessages copies frames from src to dst until a read or write fails.
func relayMessages(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			// Propagate the close so the peer sees a clean shutdown
			// instead of an abrupt drop.
			dst.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

// forwardableHeaders copies request headers to the backend handshake,
// dropping hop-by-hop and handshake headers the dialer manages itself.
func forwardableHeaders(r *http.Request) http.Header {
	out := http.Header{}
	for name, values := range r.Header {
		switch {
		case strings.EqualFold(name, "Upgrade"),
			strings.EqualFold(name, "Connection"),
			strings.HasPrefix(strings.ToLower(name), "sec-websocket-"):
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("X-Forwarded-Host", r.Host)
	out.Set("X-Forwarded-Proto", "http")
	return out
}
