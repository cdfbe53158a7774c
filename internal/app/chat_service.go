package app

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"alumniportal/internal/ai"
	"alumniportal/internal/model"
	"alumniportal/internal/vectorstore"
)

// Degraded-mode answers. Retrieval chat never surfaces an internal failure
// to the end user; it answers with one of these instead.
const (
	answerRetrievalDown = "I can't reach the document knowledge base right now, so I'm unable to answer from your documents. Please try again in a moment."
	answerNoRelevant    = "I couldn't find relevant information in the knowledge base to answer that question."
	answerLLMDown       = "The answer service is temporarily unavailable. Your question was saved; please try again later."
)

const (
	chatHistoryWindow = 10
	chatTopK          = 5
	maxSessionTitle   = 64
	generateTimeout   = 60 * time.Second
)

type SessionStore interface {
	Create(session *model.ChatSession) error
	GetByIDAndUserID(id, userID uint) (*model.ChatSession, error)
	ListByUserID(userID uint) ([]model.ChatSession, error)
	TouchLastMessage(id uint) error
	DeleteByIDAndUserID(id, userID uint) error
}

type MessageStore interface {
	Create(msg *model.ChatMessage) error
	ListBySessionID(sessionID uint, limit int) ([]model.ChatMessage, error)
	DeleteBySessionID(sessionID uint) error
}

// ChatCompleter is the generation backend. Satisfied by
// ai.OpenAICompatibleClient.
type ChatCompleter interface {
	Complete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage) (string, error)
}

// HistoryCache is the read-through cache in front of the message store.
// Implementations must tolerate being skipped entirely; a nil cache is valid.
type HistoryCache interface {
	Get(ctx context.Context, sessionID uint) ([]model.ChatMessage, bool)
	Set(ctx context.Context, sessionID uint, messages []model.ChatMessage)
	Invalidate(ctx context.Context, sessionID uint)
}

type ChatService struct {
	sessions  SessionStore
	messages  MessageStore
	tenants   TenantResolver
	docs      DocumentReader
	embedder  ai.EmbeddingProvider
	index     vectorstore.Index
	completer ChatCompleter
	llmCfg    ai.ChatConfig
	history   HistoryCache
}

func NewChatService(
	sessions SessionStore,
	messages MessageStore,
	tenants TenantResolver,
	docs DocumentReader,
	embedder ai.EmbeddingProvider,
	index vectorstore.Index,
	completer ChatCompleter,
	llmCfg ai.ChatConfig,
	history HistoryCache,
) *ChatService {
	return &ChatService{
		sessions:  sessions,
		messages:  messages,
		tenants:   tenants,
		docs:      docs,
		embedder:  embedder,
		index:     index,
		completer: completer,
		llmCfg:    llmCfg,
		history:   history,
	}
}

func (s *ChatService) CreateSession(userID uint, title string) (*model.ChatSession, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	if len(title) > maxSessionTitle {
		title = title[:maxSessionTitle]
	}
	session := &model.ChatSession{UserID: userID, Title: title}
	if err := s.sessions.Create(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *ChatService) ListSessions(userID uint) ([]model.ChatSession, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessions.ListByUserID(userID)
}

func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID uint) error {
	if userID == 0 || sessionID == 0 {
		return ErrInvalidInput
	}
	session, err := s.sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if err := s.messages.DeleteBySessionID(sessionID); err != nil {
		return err
	}
	if s.history != nil {
		s.history.Invalidate(ctx, sessionID)
	}
	return s.sessions.DeleteByIDAndUserID(sessionID, userID)
}

// GetHistory returns the session's messages oldest-first, served from the
// cache when it holds a fresh copy.
func (s *ChatService) GetHistory(ctx context.Context, userID, sessionID uint) ([]model.ChatMessage, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}
	session, err := s.sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if s.history != nil {
		if cached, ok := s.history.Get(ctx, sessionID); ok {
			return cached, nil
		}
	}
	messages, err := s.messages.ListBySessionID(sessionID, 0)
	if err != nil {
		return nil, err
	}
	if s.history != nil {
		s.history.Set(ctx, sessionID, messages)
	}
	return messages, nil
}

type SendMessageInput struct {
	UserID    uint
	SessionID uint
	Content   string
}

type SendMessageResult struct {
	SessionID uint               `json:"session_id"`
	Answer    string             `json:"answer"`
	Sources   []model.ChatSource `json:"sources"`
}

// SendMessage runs one grounded chat turn: embed the question, retrieve the
// caller's visible chunks, generate an answer over them, and persist both
// turns. A zero session id starts a new session titled after the question.
// Infrastructure failures degrade to fixed answers; the turn is stored
// either way.
func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*SendMessageResult, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return nil, ErrInvalidInput
	}

	if input.SessionID == 0 {
		session, err := s.CreateSession(input.UserID, content)
		if err != nil {
			return nil, err
		}
		input.SessionID = session.ID
	} else {
		session, err := s.sessions.GetByIDAndUserID(input.SessionID, input.UserID)
		if err != nil {
			return nil, err
		}
		if session == nil {
			return nil, ErrSessionNotFound
		}
	}

	answer, sources := s.answer(ctx, input.UserID, input.SessionID, content)

	userTurn := &model.ChatMessage{
		SessionID: input.SessionID,
		Role:      "user",
		Content:   content,
	}
	if err := s.messages.Create(userTurn); err != nil {
		return nil, err
	}
	assistantTurn := &model.ChatMessage{
		SessionID: input.SessionID,
		Role:      "assistant",
		Content:   answer,
	}
	assistantTurn.SetSources(sources)
	if err := s.messages.Create(assistantTurn); err != nil {
		return nil, err
	}
	if err := s.sessions.TouchLastMessage(input.SessionID); err != nil {
		log.Printf("chat: touch session %d: %v", input.SessionID, err)
	}
	if s.history != nil {
		s.history.Invalidate(ctx, input.SessionID)
	}

	return &SendMessageResult{
		SessionID: input.SessionID,
		Answer:    answer,
		Sources:   sources,
	}, nil
}

// answer produces the assistant text and its citations. It never returns an
// error: every failure mode maps to a fixed degraded answer.
func (s *ChatService) answer(ctx context.Context, userID, sessionID uint, question string) (string, []model.ChatSource) {
	tenant, err := s.tenants.ResolveTenant(userID)
	if err != nil {
		log.Printf("chat: resolve tenant for user %d: %v", userID, err)
		return answerRetrievalDown, []model.ChatSource{}
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	queryVec, err := s.embedder.Embed(embedCtx, question)
	cancel()
	if err != nil {
		log.Printf("chat: embed query for session %d: %v", sessionID, err)
		return answerRetrievalDown, []model.ChatSource{}
	}

	filter := map[string]string{}
	if tenant != nil {
		filter[vectorstore.TenantKey] = strconv.FormatUint(uint64(*tenant), 10)
	}
	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	hits, err := s.index.Search(searchCtx, queryVec, chatTopK, filter)
	cancel()
	if err != nil {
		log.Printf("chat: vector search for session %d: %v", sessionID, err)
		return answerRetrievalDown, []model.ChatSource{}
	}

	// Grounding context obeys the same access rule as document search: a
	// private document must never leak into another user's answer.
	hits, err = filterVisibleHits(s.docs, hits, userID, tenant)
	if err != nil {
		log.Printf("chat: visibility check for session %d: %v", sessionID, err)
		return answerRetrievalDown, []model.ChatSource{}
	}
	if len(hits) == 0 {
		return answerNoRelevant, []model.ChatSource{}
	}

	sources := make([]model.ChatSource, 0, len(hits))
	for _, hit := range hits {
		docID, _ := strconv.ParseUint(hit.Metadata[vectorstore.DocumentIDKey], 10, 64)
		ordinal, _ := strconv.Atoi(hit.Metadata[vectorstore.OrdinalKey])
		sources = append(sources, model.ChatSource{
			DocumentID: uint(docID),
			Ordinal:    ordinal,
			Title:      hit.Metadata[vectorstore.TitleKey],
		})
	}

	if s.completer == nil || !s.llmCfg.Configured() {
		return answerLLMDown, sources
	}

	prompt := s.buildMessages(sessionID, question, hits)
	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	answer, err := s.completer.Complete(genCtx, s.llmCfg, prompt)
	cancel()
	if err != nil {
		log.Printf("chat: generation for session %d: %v", sessionID, err)
		return answerLLMDown, sources
	}
	return answer, sources
}

// buildMessages assembles the generation request: a system prompt carrying
// the retrieved context, the recent turns of the session, then the question.
func (s *ChatService) buildMessages(sessionID uint, question string, hits []vectorstore.Result) []ai.ChatMessage {
	var sb strings.Builder
	sb.WriteString("You are an assistant for a university alumni portal. ")
	sb.WriteString("Answer using only the context below. ")
	sb.WriteString("If the context does not contain the answer, say so.\n\nContext:\n")
	for i, hit := range hits {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n\n", i+1, hit.Metadata[vectorstore.TitleKey], hit.Text)
	}

	messages := []ai.ChatMessage{{Role: "system", Content: sb.String()}}

	recent, err := s.messages.ListBySessionID(sessionID, chatHistoryWindow)
	if err != nil {
		log.Printf("chat: load history for session %d: %v", sessionID, err)
	}
	for _, m := range recent {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, ai.ChatMessage{Role: "user", Content: question})
}
