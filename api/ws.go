package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/guseggert/stdiogateway/supervisor"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ws streams a process's output over a WebSocket as JSON Messages. Each message the
// client sends is a CommandRequest forwarded to the process's stdin; failures come back
// as Messages of type "error".
func (s *Server) ws(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	name := p.ByName("server")

	sub, err := s.gw.Subscribe(r.Context(), name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.gw.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// origins were already checked against the allow list by the cors middleware
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")
	conn.SetReadLimit(maxBodyBytes)

	log := s.log.With("Server", name, "Subscription", sub.ID)
	log.Debug("WebSocket client connected")
	defer log.Debug("WebSocket client disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			var req CommandRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					log.Debugf("WebSocket read error: %s", err)
				}
				return
			}
			payload, err := req.payload()
			if err == nil {
				err = s.gw.Send(ctx, name, payload)
				if err == nil {
					continue
				}
			}
			werr := wsjson.Write(ctx, conn, Message{
				Type:      MessageError,
				Error:     commandErrorMessage(err),
				Timestamp: timestamp(time.Now()),
				Server:    name,
			})
			if werr != nil {
				return
			}
		}
	}()

	enc := newMessageEncoder(name)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			for _, msg := range enc.encode(ev) {
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					log.Debugf("WebSocket write error: %s", err)
					return
				}
			}
			if ev.Kind == supervisor.EventTerminated {
				conn.Close(websocket.StatusNormalClosure, "process terminated")
				return
			}
		}
	}
}

func commandErrorMessage(err error) string {
	if errors.Is(err, errNoCommand) {
		return "invalid command: " + err.Error()
	}
	_, msg := statusFor(err)
	return msg + ": " + err.Error()
}
