package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	schemeHTTP              = "http://"
	schemeHTTPS             = "https://"
	schemeWS                = "ws://"
	schemeWSS               = "wss://"
	defaultHandshakeTimeout = 10 * time.Second
	errMessageDialSocket    = "dial websocket"
)

// WebSocketDialer opens streams whose frames arrive as WebSocket text messages.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// NewWebSocketDialer constructs a WebSocketDialer with the library defaults plus a handshake timeout.
func NewWebSocketDialer() *WebSocketDialer {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = defaultHandshakeTimeout
	return &WebSocketDialer{Dialer: &dialer}
}

// Dial performs the WebSocket handshake; http(s) URLs are mapped onto ws(s).
func (dialer *WebSocketDialer) Dial(ctx context.Context, request DialRequest) (Connection, error) {
	websocketDialer := dialer.Dialer
	if websocketDialer == nil {
		websocketDialer = websocket.DefaultDialer
	}
	conn, httpResponse, err := websocketDialer.DialContext(ctx, websocketURL(request.URL), request.Header)
	if err != nil {
		if httpResponse != nil {
			httpResponse.Body.Close()
			if httpResponse.StatusCode != 0 && (httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300) {
				return nil, &StatusError{StatusCode: httpResponse.StatusCode}
			}
		}
		return nil, fmt.Errorf("%s: %w", errMessageDialSocket, err)
	}
	return &websocketConnection{conn: conn}, nil
}

type websocketConnection struct {
	conn *websocket.Conn
}

func (connection *websocketConnection) Next() (RawFrame, error) {
	for {
		messageType, payload, err := connection.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return RawFrame{}, ErrStreamEnded
			}
			return RawFrame{}, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return RawFrame{Data: payload}, nil
	}
}

func (connection *websocketConnection) Close() error {
	return connection.conn.Close()
}

func websocketURL(rawURL string) string {
	switch {
	case strings.HasPrefix(rawURL, schemeHTTPS):
		return schemeWSS + strings.TrimPrefix(rawURL, schemeHTTPS)
	case strings.HasPrefix(rawURL, schemeHTTP):
		return schemeWS + strings.TrimPrefix(rawURL, schemeHTTP)
	default:
		return rawURL
	}
}
