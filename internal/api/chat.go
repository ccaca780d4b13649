package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"X402-Agent/internal/conversation"
	"X402-Agent/internal/dispatch"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm"
)

const maxChatBodyBytes = 1 << 20

// actionTypeProxyCall 标识需要客户端通过代理路由完成支付的动作。
const actionTypeProxyCall = "proxy-call"

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

type chatEndpoint struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EstimatedCost string `json:"estimatedCost"`
}

type chatAction struct {
	Type       string         `json:"type"`
	ProxyRoute string         `json:"proxyRoute"`
	Params     map[string]any `json:"params"`
	Endpoint   chatEndpoint   `json:"endpoint"`
}

type chatResponse struct {
	Message string      `json:"message"`
	Usage   *llm.Usage  `json:"usage,omitempty"`
	Action  *chatAction `json:"action,omitempty"`
}

// handleChat 是无状态的对话入口：客户端提交完整历史，服务端只做决策，
// 付费调用由客户端通过代理路由完成。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil || req.Messages == nil {
		writeError(w, http.StatusBadRequest, "Messages array is required", "")
		return
	}
	history := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleUser, llm.RoleAssistant:
		default:
			writeError(w, http.StatusBadRequest, "Invalid message role", string(m.Role))
			return
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		history = append(history, m)
	}
	if len(history) == 0 {
		writeError(w, http.StatusBadRequest, "Messages array is required", "")
		return
	}

	outcome, err := s.opts.Orchestrator.Decide(r.Context(), history)
	if err != nil {
		s.log.Error("决策调用失败", "code", string(xerrors.CodeOf(err)), "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get AI response", err.Error())
		return
	}

	switch out := outcome.(type) {
	case *conversation.ActionProposed:
		writeJSON(w, http.StatusOK, chatResponse{
			Message: out.Text,
			Usage:   out.Usage,
			Action: &chatAction{
				Type:       actionTypeProxyCall,
				ProxyRoute: out.Action.ProxyRoute,
				Params:     out.Action.Arguments,
				Endpoint: chatEndpoint{
					ID:            out.Endpoint.ID,
					Name:          out.Endpoint.Name,
					EstimatedCost: out.Endpoint.EstimatedCost,
				},
			},
		})
	case *conversation.PlainReply:
		if out.Err != nil {
			switch xerrors.CodeOf(out.Err) {
			case dispatch.CodeUnknownFunction:
				writeError(w, http.StatusBadRequest, "Unknown function", messageOf(out.Err))
			default:
				writeError(w, http.StatusBadRequest, "Invalid arguments", messageOf(out.Err))
			}
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{Message: out.Text, Usage: out.Usage})
	default:
		writeError(w, http.StatusInternalServerError, "Failed to get AI response", "unexpected outcome")
	}
}

func messageOf(err error) string {
	if xe, ok := xerrors.From(err); ok {
		return xe.Message()
	}
	return err.Error()
}
