package subscriber

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// wsTransport streams a feed over a WebSocket connection, one JSON-encoded
// FeedLine per text frame, the same Dial/Read/Write/Close shape
// adapters/openclaw/ws-node's node client uses for its own event stream.
type wsTransport struct {
	baseURL string
	header  http.Header
}

// NewWebSocketTransport builds a transport that dials baseURL + "/feeds/"
// + name for every (re)connection.
func NewWebSocketTransport(baseURL string, header http.Header) *wsTransport {
	return &wsTransport{baseURL: baseURL, header: header}
}

func (w *wsTransport) run(ctx context.Context, feedName string, startBookmark string, onLine func(FeedLine), markReady func(error)) {
	bookmark := startBookmark
	backoffDelay := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		connCtx, cancel := context.WithTimeout(ctx, forceReconnectAfter)
		conn, err := w.dial(connCtx, feedName, bookmark)
		if err != nil {
			markReady(err)
			cancel()
			if !sleepOrDone(ctx, backoffDelay) {
				return
			}
			backoffDelay = nextBackoff(backoffDelay, maxBackoff)
			continue
		}
		backoffDelay = 500 * time.Millisecond
		conn.SetReadLimit(10 << 20)

		for {
			_, msg, err := conn.Read(connCtx)
			if err != nil {
				break
			}
			var line FeedLine
			if err := json.Unmarshal(msg, &line); err != nil {
				continue
			}
			markReady(nil)
			bookmark = line.Bookmark
			onLine(line)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
		cancel()
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *wsTransport) dial(ctx context.Context, feedName string, bookmark string) (*websocket.Conn, error) {
	u := w.baseURL + "/feeds/" + url.PathEscape(feedName)
	q := url.Values{}
	if bookmark != "" {
		q.Set("bookmark", bookmark)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	opts := &websocket.DialOptions{HTTPClient: &http.Client{Timeout: 8 * time.Second}, HTTPHeader: w.header}
	conn, _, err := websocket.Dial(ctx, u, opts)
	return conn, err
}
