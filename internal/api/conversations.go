package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"X402-Agent/internal/auth"
	"X402-Agent/internal/conversation"
	xerrors "X402-Agent/internal/errors"
)

// session 绑定一个会话与它专用的支付执行器。
type session struct {
	conv     *conversation.Conversation
	executor conversation.Executor
	lastUsed time.Time
}

// sessionStore 保存服务端钱包模式下的会话，仅存于内存。
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) put(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.lastUsed = time.Now()
	s.sessions[sess.conv.ID()] = sess
}

// get 只返回属于 subject 的会话。
func (s *sessionStore) get(id, subject string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.conv.Subject() != subject {
		return nil, false
	}
	sess.lastUsed = time.Now()
	return sess, true
}

// Expire 移除空闲超过 ttl 且没有进行中回合的会话。
func (s *sessionStore) Expire(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) && sess.conv.State() == conversation.StateIdle {
			delete(s.sessions, id)
		}
	}
}

type conversationView struct {
	ID       string                 `json:"id"`
	State    conversation.State     `json:"state"`
	Messages []conversation.Message `json:"messages"`
	Pending  *pendingActionView     `json:"pendingAction,omitempty"`
}

type pendingActionView struct {
	ID       string         `json:"id"`
	Endpoint chatEndpoint   `json:"endpoint"`
	Params   map[string]any `json:"params"`
}

// viewOf 按当前注册表展示待执行动作；端点已被移除时只保留标识。
func (s *Server) viewOf(conv *conversation.Conversation) conversationView {
	view := conversationView{ID: conv.ID(), State: conv.State(), Messages: conv.Messages()}
	if p := conv.Pending(); p != nil {
		ep := chatEndpoint{ID: p.EndpointID}
		if def, ok := s.opts.Catalog.Get(p.EndpointID); ok {
			ep.Name = def.Name
			ep.EstimatedCost = def.EstimatedCost
		}
		view.Pending = &pendingActionView{ID: p.ID, Endpoint: ep, Params: p.Arguments}
	}
	return view
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv := s.opts.Orchestrator.Start(auth.SubjectID(r.Context()))
	sess := &session{conv: conv}
	if s.opts.Executors != nil {
		sess.executor = s.opts.Executors(conv)
	}
	s.sessions.put(sess)
	writeJSON(w, http.StatusCreated, s.viewOf(conv))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"), auth.SubjectID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found", "")
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(sess.conv))
}

func (s *Server) handleConversationMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"), auth.SubjectID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found", "")
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if _, err := s.opts.Orchestrator.Step(r.Context(), sess.conv, body.Content); err != nil {
		s.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(sess.conv))
}

func (s *Server) handleConfirmAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"), auth.SubjectID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found", "")
		return
	}
	err := s.opts.Orchestrator.Execute(r.Context(), sess.conv, sess.executor, r.PathValue("action"))
	if err != nil && (xerrors.IsCode(err, conversation.CodeInvalidState) || xerrors.IsCode(err, conversation.CodeTurnInProgress)) {
		s.writeTurnError(w, err)
		return
	}
	// 执行失败已作为消息写入会话，这里照常返回会话视图。
	status := http.StatusOK
	if xerrors.FundsAtRisk(err) {
		status = http.StatusAccepted
	}
	writeJSON(w, status, s.viewOf(sess.conv))
}

func (s *Server) handleDeclineAction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"), auth.SubjectID(r.Context()))
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found", "")
		return
	}
	if err := s.opts.Orchestrator.Decline(sess.conv, r.PathValue("action")); err != nil {
		s.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(sess.conv))
}

// writeTurnError 按错误码登记的状态码应答。
func (s *Server) writeTurnError(w http.ResponseWriter, err error) {
	status := xerrors.StatusOf(err)
	switch {
	case status == http.StatusConflict:
		writeError(w, status, string(xerrors.CodeOf(err)), messageOf(err))
	case status < http.StatusInternalServerError:
		writeError(w, status, "Invalid request", messageOf(err))
	default:
		s.log.Error("对话回合失败", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get AI response", err.Error())
	}
}
