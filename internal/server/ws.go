package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/insight"
)

const wsWriteTimeout = 5 * time.Second

// Frame types exchanged over /ws.
const (
	frameContext = "context"
	frameMessage = "message"
	frameResults = "results"
	frameError   = "error"
)

type wsFrame struct {
	Type    string               `json:"type"`
	Content string               `json:"content,omitempty"`
	Logs    []analytics.DailyLog `json:"logs,omitempty"`
	Results *analytics.Results   `json:"results,omitempty"`
}

// wsSession is the per-connection chat state.
type wsSession struct {
	id      string
	logs    []analytics.DailyLog
	results *analytics.Results
}

func (s *Server) originPatterns() []string {
	if s.anyOrigin {
		return []string{"*"}
	}
	var patterns []string
	for o := range s.origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		s.logger.Warn("websocket accept error", zap.Error(err))
		return
	}

	sess := &wsSession{id: fmt.Sprintf("ws-%d", s.nextWSID.Add(1))}
	anonymous := true
	if authed, err := s.store.LookupSession(r.Context(), bearerToken(r)); err == nil {
		sess.id = authed.Email
		anonymous = false
	}
	log := s.logger.With(zap.String("client", sess.id))
	log.Info("client connected")

	defer func() {
		conn.CloseNow()
		// A ws-N conversation cannot be resumed once the socket is gone.
		if f, ok := s.assistant.(insight.Forgetter); ok && anonymous {
			f.Forget(sess.id)
		}
		log.Info("client disconnected")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var in wsFrame
		if err := json.Unmarshal(data, &in); err != nil {
			if werr := writeFrame(ctx, conn, wsFrame{Type: frameError, Content: "invalid frame"}); werr != nil {
				return
			}
			continue
		}

		out := s.handleFrame(ctx, sess, in)
		if err := writeFrame(ctx, conn, out); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *wsSession, in wsFrame) wsFrame {
	switch in.Type {
	case frameContext:
		results, err := analytics.Compute(in.Logs)
		if err != nil {
			return wsFrame{Type: frameError, Content: msgInsufficientData}
		}
		sess.logs = in.Logs
		sess.results = &results
		return wsFrame{Type: frameResults, Results: &results}

	case frameMessage:
		if strings.TrimSpace(in.Content) == "" {
			return wsFrame{Type: frameError, Content: "message is empty"}
		}
		if s.assistant == nil {
			return wsFrame{Type: frameError, Content: msgNoAssistant}
		}
		if sess.results == nil {
			return wsFrame{Type: frameError, Content: "send a context frame with your logs first"}
		}
		answer, err := s.ask(ctx, insight.Request{
			Logs:      sess.logs,
			Results:   sess.results,
			Question:  in.Content,
			SessionID: sess.id,
		})
		if err != nil {
			var apiErr *apiError
			if errors.As(err, &apiErr) {
				return wsFrame{Type: frameError, Content: apiErr.detail}
			}
			return wsFrame{Type: frameError, Content: err.Error()}
		}
		return wsFrame{Type: frameMessage, Content: answer}

	default:
		return wsFrame{Type: frameError, Content: fmt.Sprintf("unknown frame type %q", in.Type)}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
