package channel

import (
	"context"
	"net/http"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/caseflow/caseflow/internal/platform/websocket"
)

// WebsocketDialer dials the workspace event endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context) (websocket.Conn, error) {
	conn, resp, err := gorillawebsocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}
