package httpreceiver

import (
	"errors"
	"net/http"
	"sync"

	"boltgate/pkg/ack"
)

var errResponseWritten = errors.New("httpreceiver: response already written")

// responder writes at most one response per request. The acknowledgment
// path and the processing path both finish through it.
type responder struct {
	w http.ResponseWriter

	mu      sync.Mutex
	written bool
}

func (rs *responder) send(resp ack.Response) error {
	body, contentType, err := resp.Encode()
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.written {
		return errResponseWritten
	}
	rs.written = true

	if contentType != "" {
		rs.w.Header().Set("Content-Type", contentType)
	}
	rs.w.WriteHeader(http.StatusOK)
	if len(body) > 0 {
		_, _ = rs.w.Write(body)
	}
	return nil
}

// plain writes a text response unless one was already written.
func (rs *responder) plain(status int, text string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.written {
		return
	}
	rs.written = true
	writePlain(rs.w, status, text)
}

func writePlain(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", ack.ContentTypeText)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
