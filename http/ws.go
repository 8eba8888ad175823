package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"modelops/errs"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 16
	wsMaxMessage = 1 << 20
)

// streamError is the reply for a message that could not be scored.
type streamError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// handlePredictStream scores one feature object or one array of them per text message.
// Replies go out in message order on the same connection.
func (a *API) handlePredictStream(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.String("request_id", requestID), zap.Error(err))
		return
	}
	logger := a.logger.With(zap.String("request_id", requestID))
	logger.Info("prediction stream opened")

	send := make(chan []byte, wsSendBuffer)
	done := make(chan struct{})
	go a.writePump(conn, send, done, logger)
	a.readPump(conn, send, logger)
	close(send)
	<-done
	logger.Info("prediction stream closed")
}

func (a *API) readPump(conn *websocket.Conn, send chan<- []byte, logger *zap.Logger) {
	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		reply, err := json.Marshal(a.scoreMessage(data))
		if err != nil {
			logger.Error("encode stream reply", zap.Error(err))
			return
		}
		send <- reply
	}
}

func (a *API) writePump(conn *websocket.Conn, send <-chan []byte, done chan<- struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("websocket write", zap.Error(err))
				drain(conn, send)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				drain(conn, send)
				return
			}
		}
	}
}

// drain closes conn to unblock the reader, then discards replies until it exits.
func drain(conn *websocket.Conn, send <-chan []byte) {
	conn.Close()
	for range send {
	}
}

func (a *API) scoreMessage(data []byte) interface{} {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raws []rawVector
		if err := decodeBody(bytes.NewReader(trimmed), &raws); err != nil {
			return a.streamFailure(err)
		}
		fvs, err := vectors(raws)
		if err != nil {
			return a.streamFailure(err)
		}
		results, err := a.predictor.PredictMany(fvs)
		if err != nil {
			return a.streamFailure(err)
		}
		a.metrics.AddPredictions(len(results))
		return newBatchResponse(results)
	}

	var raw rawVector
	if err := decodeBody(bytes.NewReader(trimmed), &raw); err != nil {
		return a.streamFailure(err)
	}
	fv, err := raw.vector()
	if err != nil {
		return a.streamFailure(err)
	}
	result, err := a.predictor.PredictOne(fv)
	if err != nil {
		return a.streamFailure(err)
	}
	a.metrics.AddPredictions(1)
	return result
}

func (a *API) streamFailure(err error) streamError {
	kind := errs.KindOf(err)
	a.metrics.AddFailure(kind.String())
	return streamError{Error: err.Error(), Kind: kind.String()}
}
