package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xhad/policyqa/pkg/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type    string      `json:"type"`
	Content string      `json:"content"`
	Data    interface{} `json:"data,omitempty"`
}

var stageStatus = map[string]string{
	pipeline.StageExtracting: "Extracting claim details",
	pipeline.StageRetrieving: "Searching policy clauses",
	pipeline.StageDeciding:   "Checking coverage",
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Msg("invalid websocket message")
			s.sendMessage(conn, "error", "invalid message")
			continue
		}

		// one query at a time per connection; writes are not concurrent
		s.handleMessage(r, conn, msg)
	}
}

func (s *Server) handleMessage(r *http.Request, conn *websocket.Conn, msg Message) {
	if msg.Type != "ask" {
		s.sendMessage(conn, "error", "unsupported message type")
		return
	}

	query := strings.TrimSpace(msg.Content)
	result, err := s.pipeline.AnswerWithProgress(r.Context(), query, "", func(stage string) {
		s.sendMessage(conn, "status", stageStatus[stage])
	})
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID(r)).Msg("websocket query failed")
		s.sendMessage(conn, "error", ErrorMessage)
		return
	}

	s.send(conn, Message{
		Type:    "fields",
		Content: result.Extraction.Fields.String(),
		Data:    result.Extraction.Fields,
	})
	s.sendMessage(conn, "response", result.Answer)
}

func (s *Server) sendMessage(conn *websocket.Conn, msgType string, content string) {
	s.send(conn, Message{Type: msgType, Content: content})
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	if err := conn.WriteJSON(msg); err != nil {
		log.Warn().Err(err).Str("type", msg.Type).Msg("error sending message")
	}
}
