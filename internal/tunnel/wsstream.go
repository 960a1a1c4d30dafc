package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsStream adapts a websocket connection into a byte stream. Reads span
// binary message boundaries; each Write emits one binary message. Writes are
// serialized because gorilla/websocket permits only one concurrent writer.
type wsStream struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (w *wsStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.reader == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			// message exhausted, move to the next one
			w.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
