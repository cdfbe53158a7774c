package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumniportal/internal/ai"
	"alumniportal/internal/model"
	"alumniportal/internal/vectorstore"
	"alumniportal/internal/vectorstore/memory"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	nextID   uint
	sessions map[uint]*model.ChatSession
	touched  []uint
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{nextID: 1, sessions: make(map[uint]*model.ChatSession)}
}

func (f *fakeSessionStore) Create(session *model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session.ID = f.nextID
	f.nextID++
	session.LastMessageAt = time.Now()
	cp := *session
	f.sessions[session.ID] = &cp
	return nil
}

func (f *fakeSessionStore) GetByIDAndUserID(id, userID uint) (*model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) ListByUserID(userID uint) ([]model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []model.ChatSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			list = append(list, *s)
		}
	}
	return list, nil
}

func (f *fakeSessionStore) TouchLastMessage(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeSessionStore) DeleteByIDAndUserID(id, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if ok && s.UserID == userID {
		delete(f.sessions, id)
	}
	return nil
}

type fakeMessageStore struct {
	mu       sync.Mutex
	nextID   uint
	messages []model.ChatMessage
}

func (f *fakeMessageStore) Create(msg *model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	msg.CreatedAt = time.Now()
	f.messages = append(f.messages, *msg)
	return nil
}

func (f *fakeMessageStore) ListBySessionID(sessionID uint, limit int) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMessageStore) DeleteBySessionID(sessionID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.messages[:0]
	for _, m := range f.messages {
		if m.SessionID != sessionID {
			kept = append(kept, m)
		}
	}
	f.messages = kept
	return nil
}

type fakeCompleter struct {
	mu     sync.Mutex
	calls  int
	got    []ai.ChatMessage
	answer string
	err    error
}

func (f *fakeCompleter) Complete(_ context.Context, _ ai.ChatConfig, messages []ai.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = messages
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeHistoryCache struct {
	mu          sync.Mutex
	store       map[uint][]model.ChatMessage
	sets        int
	invalidated []uint
}

func newFakeHistoryCache() *fakeHistoryCache {
	return &fakeHistoryCache{store: make(map[uint][]model.ChatMessage)}
}

func (f *fakeHistoryCache) Get(_ context.Context, sessionID uint) ([]model.ChatMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.store[sessionID]
	return msgs, ok
}

func (f *fakeHistoryCache) Set(_ context.Context, sessionID uint, messages []model.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.store[sessionID] = messages
}

func (f *fakeHistoryCache) Invalidate(_ context.Context, sessionID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, sessionID)
	f.invalidated = append(f.invalidated, sessionID)
}

type chatFixture struct {
	svc       *ChatService
	sessions  *fakeSessionStore
	messages  *fakeMessageStore
	tenants   *fakeTenants
	docs      *fakeDocStore
	embedder  *fakeEmbedder
	index     *memory.Index
	completer *fakeCompleter
	cache     *fakeHistoryCache
}

func newChatFixture(configured bool) *chatFixture {
	f := &chatFixture{
		sessions:  newFakeSessionStore(),
		messages:  &fakeMessageStore{},
		tenants:   &fakeTenants{byUser: make(map[uint]*uint)},
		docs:      newFakeDocStore(),
		embedder:  &fakeEmbedder{},
		index:     memory.New(),
		completer: &fakeCompleter{answer: "grounded answer"},
		cache:     newFakeHistoryCache(),
	}
	cfg := ai.ChatConfig{}
	if configured {
		cfg = ai.ChatConfig{BaseURL: "https://llm.test/v1", APIKey: "k", Model: "m"}
	}
	f.svc = NewChatService(f.sessions, f.messages, f.tenants, f.docs, f.embedder, f.index, f.completer, cfg, f.cache)
	return f
}

// seedChunk places one entry in the index backed by a public document, the
// common case for grounding tests. Visibility edge cases override the
// document afterwards via f.docs.put.
func (f *chatFixture) seedChunk(t *testing.T, id string, docID uint, ordinal int, title, text string, tenant *uint) {
	t.Helper()
	meta := map[string]string{
		vectorstore.DocumentIDKey: strconv.FormatUint(uint64(docID), 10),
		vectorstore.OrdinalKey:    strconv.Itoa(ordinal),
		vectorstore.TitleKey:      title,
		vectorstore.FileTypeKey:   "txt",
	}
	if tenant != nil {
		meta[vectorstore.TenantKey] = strconv.FormatUint(uint64(*tenant), 10)
	}
	err := f.index.Upsert(context.Background(), []vectorstore.Entry{{
		ID:       id,
		Vector:   textVector(text),
		Text:     text,
		Metadata: meta,
	}})
	require.NoError(t, err)
	f.docs.put(model.Document{
		ID:           docID,
		Title:        title,
		FileType:     "txt",
		UploaderID:   99,
		UniversityID: tenant,
		Status:       model.DocumentStatusProcessed,
		IsPublic:     true,
	})
}

func (f *chatFixture) newSession(t *testing.T, userID uint) *model.ChatSession {
	t.Helper()
	session, err := f.svc.CreateSession(userID, "")
	require.NoError(t, err)
	return session
}

func TestSendMessageGroundedAnswer(t *testing.T) {
	f := newChatFixture(true)
	f.seedChunk(t, "v1", 7, 0, "Mentoring Guide", "alumni mentoring signup closes friday", nil)
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "alumni mentoring signup closes friday",
	})
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", res.Answer)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, uint(7), res.Sources[0].DocumentID)
	assert.Equal(t, 0, res.Sources[0].Ordinal)
	assert.Equal(t, "Mentoring Guide", res.Sources[0].Title)

	stored, err := f.messages.ListBySessionID(session.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "user", stored[0].Role)
	assert.Equal(t, "assistant", stored[1].Role)
	require.Len(t, stored[1].SourceList(), 1)

	assert.Equal(t, []uint{session.ID}, f.sessions.touched)
	assert.Contains(t, f.cache.invalidated, session.ID)

	// Prompt carries the retrieved context and ends with the question.
	require.NotEmpty(t, f.completer.got)
	assert.Equal(t, "system", f.completer.got[0].Role)
	assert.Contains(t, f.completer.got[0].Content, "alumni mentoring signup closes friday")
	last := f.completer.got[len(f.completer.got)-1]
	assert.Equal(t, "user", last.Role)
}

func TestSendMessageEmbedFailureDegrades(t *testing.T) {
	f := newChatFixture(true)
	f.embedder.failAfter = 1
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "anything",
	})
	require.NoError(t, err)
	assert.Equal(t, answerRetrievalDown, res.Answer)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 0, f.completer.calls, "generation must not run without retrieval")

	stored, _ := f.messages.ListBySessionID(session.ID, 0)
	require.Len(t, stored, 2, "degraded turns are still persisted")
	assert.NotNil(t, stored[1].SourceList())
	assert.Empty(t, stored[1].SourceList())
}

func TestSendMessageNoRelevantChunks(t *testing.T) {
	f := newChatFixture(true)
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "is there a gym discount",
	})
	require.NoError(t, err)
	assert.Equal(t, answerNoRelevant, res.Answer)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 0, f.completer.calls)
}

func TestSendMessageLLMUnconfigured(t *testing.T) {
	f := newChatFixture(false)
	f.seedChunk(t, "v1", 3, 1, "Handbook", "library opening hours", nil)
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "library opening hours",
	})
	require.NoError(t, err)
	assert.Equal(t, answerLLMDown, res.Answer)
	require.Len(t, res.Sources, 1, "citations survive even when generation is down")
	assert.Equal(t, 0, f.completer.calls)
}

func TestSendMessageLLMErrorDegrades(t *testing.T) {
	f := newChatFixture(true)
	f.completer.err = errors.New("upstream 500")
	f.seedChunk(t, "v1", 3, 0, "Handbook", "library opening hours", nil)
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "library opening hours",
	})
	require.NoError(t, err)
	assert.Equal(t, answerLLMDown, res.Answer)
	assert.Len(t, res.Sources, 1)
}

func TestSendMessageTenantIsolation(t *testing.T) {
	f := newChatFixture(true)
	f.tenants.byUser[1] = uintPtr(10)
	f.seedChunk(t, "v1", 3, 0, "Other Campus", "scholarship application deadline", uintPtr(20))
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "scholarship application deadline",
	})
	require.NoError(t, err)
	assert.Equal(t, answerNoRelevant, res.Answer)
	assert.Empty(t, res.Sources)
}

func TestSendMessageHidesPrivateDocsOfStrangers(t *testing.T) {
	f := newChatFixture(true)
	f.seedChunk(t, "v1", 7, 0, "Salary Bands", "faculty salary bands by grade", nil)
	f.docs.put(model.Document{
		ID:         7,
		Title:      "Salary Bands",
		FileType:   "txt",
		UploaderID: 2,
		Status:     model.DocumentStatusProcessed,
		IsPublic:   false,
	})
	session := f.newSession(t, 1)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "faculty salary bands by grade",
	})
	require.NoError(t, err)
	assert.Equal(t, answerNoRelevant, res.Answer)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 0, f.completer.calls, "private context must never reach the model")

	// The owner still gets a grounded answer from the same chunk.
	owned := f.newSession(t, 2)
	res, err = f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    2,
		SessionID: owned.ID,
		Content:   "faculty salary bands by grade",
	})
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", res.Answer)
	assert.Len(t, res.Sources, 1)
}

func TestSendMessageAutoCreatesSession(t *testing.T) {
	f := newChatFixture(true)
	f.seedChunk(t, "v1", 7, 0, "Guide", "alumni card renewal", nil)

	res, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:  1,
		Content: "alumni card renewal",
	})
	require.NoError(t, err)
	require.NotZero(t, res.SessionID)

	session, err := f.sessions.GetByIDAndUserID(res.SessionID, 1)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "alumni card renewal", session.Title)
}

func TestSendMessageForeignSession(t *testing.T) {
	f := newChatFixture(true)
	session := f.newSession(t, 1)

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    2,
		SessionID: session.ID,
		Content:   "hello",
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetHistoryCacheReadThrough(t *testing.T) {
	f := newChatFixture(true)
	session := f.newSession(t, 1)
	require.NoError(t, f.messages.Create(&model.ChatMessage{SessionID: session.ID, Role: "user", Content: "hi"}))

	first, err := f.svc.GetHistory(context.Background(), 1, session.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, f.cache.sets, "miss populates the cache")

	// Second read must come from the cache, not the store.
	require.NoError(t, f.messages.Create(&model.ChatMessage{SessionID: session.ID, Role: "user", Content: "uncached"}))
	second, err := f.svc.GetHistory(context.Background(), 1, session.ID)
	require.NoError(t, err)
	assert.Len(t, second, 1)
	assert.Equal(t, 1, f.cache.sets)
}

func TestDeleteSessionCascades(t *testing.T) {
	f := newChatFixture(true)
	session := f.newSession(t, 1)
	require.NoError(t, f.messages.Create(&model.ChatMessage{SessionID: session.ID, Role: "user", Content: "hi"}))

	require.NoError(t, f.svc.DeleteSession(context.Background(), 1, session.ID))

	gone, err := f.sessions.GetByIDAndUserID(session.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, gone)
	msgs, _ := f.messages.ListBySessionID(session.ID, 0)
	assert.Empty(t, msgs)
	assert.Contains(t, f.cache.invalidated, session.ID)
}

func TestCreateSessionTitleDefaults(t *testing.T) {
	f := newChatFixture(true)

	session, err := f.svc.CreateSession(1, "   ")
	require.NoError(t, err)
	assert.Equal(t, "New conversation", session.Title)

	long, err := f.svc.CreateSession(1, strings.Repeat("t", 200))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(long.Title), maxSessionTitle)
}
