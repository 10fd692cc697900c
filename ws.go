package main

import (
	"RecycleDetServer/imageproc"
	"RecycleDetServer/pipeline"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultWSIdleTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsReply struct {
	Success bool             `json:"success"`
	Seq     int              `json:"seq"`
	Data    *pipeline.Result `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// stream runs one pipeline per message. Text frames carry a base64 image, binary frames raw bytes.
// The connection is closed after wsIdleTimeout without a message.
func (a *API) stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 升级失败，不要再写 JSON
		return
	}
	defer conn.Close()
	conn.SetReadLimit(a.maxUpload)

	sessionID := uuid.New().String()
	log := a.log.With(zap.String("session", sessionID))
	log.Info("websocket session opened", zap.String("client_ip", c.ClientIP()))

	for seq := 1; ; seq++ {
		_ = conn.SetReadDeadline(time.Now().Add(a.wsIdleTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"),
					time.Now().Add(time.Second))
				log.Info("websocket session idle, closed")
				return
			}
			log.Info("websocket session closed", zap.Error(err))
			return
		}
		a.metrics.IncRequest("ws")

		var image []byte
		switch mt {
		case websocket.TextMessage:
			image, err = imageproc.DecodeBase64(string(msg))
			if err != nil {
				_ = conn.WriteJSON(wsReply{Seq: seq, Error: fmt.Sprintf("%v: %v", pipeline.ErrInvalidImage, err)})
				continue
			}
		case websocket.BinaryMessage:
			image = msg
		default:
			_ = conn.WriteJSON(wsReply{Seq: seq, Error: "unsupported message type"})
			continue
		}

		res, err := a.pool.Submit(c.Request.Context(), pipeline.Request{
			Image:     image,
			RequestID: fmt.Sprintf("%s-%d", sessionID, seq),
		})
		if err != nil {
			if !pipeline.IsRequestError(err) {
				log.Error("websocket detection failed", zap.Int("seq", seq), zap.Error(err))
			}
			_ = conn.WriteJSON(wsReply{Seq: seq, Error: err.Error()})
			continue
		}
		if err := conn.WriteJSON(wsReply{Success: true, Seq: seq, Data: res}); err != nil {
			log.Info("websocket write failed", zap.Error(err))
			return
		}
	}
}
