package api

import (
	"encoding/json"
	"net/http"

	"github.com/guseggert/stdiogateway/supervisor"
	"github.com/julienschmidt/httprouter"
	sse "github.com/tmaxmax/go-sse"
)

// sse streams a process's output as Server-Sent Events, one JSON Message per event.
// The subscription ends when the client disconnects or the process terminates.
func (s *Server) sse(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("server")

	sub, err := s.gw.Subscribe(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.gw.Unsubscribe(sub)

	h := w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported", Details: err.Error()})
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}

	log := s.log.With("Server", name, "Subscription", sub.ID)
	log.Debug("SSE client connected")
	defer log.Debug("SSE client disconnected")

	enc := newMessageEncoder(name)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			for _, msg := range enc.encode(ev) {
				if err := sendSSE(sess, msg); err != nil {
					log.Debugf("SSE write error: %s", err)
					return
				}
			}
			if err := sess.Flush(); err != nil {
				log.Debugf("SSE flush error: %s", err)
				return
			}
			if ev.Kind == supervisor.EventTerminated {
				return
			}
		}
	}
}

func sendSSE(sess *sse.Session, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	e := &sse.Message{}
	e.AppendData(string(b))
	return sess.Send(e)
}
