package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alumniportal/internal/model"
	"alumniportal/internal/vectorstore/memory"
)

type fakeDocStore struct {
	mu     sync.Mutex
	nextID uint
	docs   map[uint]*model.Document
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{nextID: 1, docs: make(map[uint]*model.Document)}
}

func (f *fakeDocStore) Create(doc *model.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.ID = f.nextID
	f.nextID++
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDocStore) GetByID(id uint) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocStore) GetByIDs(ids []uint) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Document
	for _, id := range ids {
		if doc, ok := f.docs[id]; ok {
			out = append(out, *doc)
		}
	}
	return out, nil
}

// put seeds a document with a fixed id, bypassing Create's id assignment.
func (f *fakeDocStore) put(doc model.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := doc
	f.docs[doc.ID] = &cp
	if doc.ID >= f.nextID {
		f.nextID = doc.ID + 1
	}
}

func (f *fakeDocStore) GetByIDAndUploader(id, uploaderID uint) (*model.Document, error) {
	doc, err := f.GetByID(id)
	if err != nil || doc == nil || doc.UploaderID != uploaderID {
		return nil, err
	}
	return doc, nil
}

func (f *fakeDocStore) ListByUploader(uploaderID uint) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []model.Document
	for _, doc := range f.docs {
		if doc.UploaderID == uploaderID {
			list = append(list, *doc)
		}
	}
	return list, nil
}

func (f *fakeDocStore) ClaimForProcessing(id uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.Status != model.DocumentStatusPending {
		return false, nil
	}
	doc.Status = model.DocumentStatusProcessing
	return true, nil
}

func (f *fakeDocStore) MarkProcessed(id uint, collectionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.Status != model.DocumentStatusProcessing {
		return fmt.Errorf("document %d not processing", id)
	}
	doc.Status = model.DocumentStatusProcessed
	doc.CollectionRef = &collectionRef
	doc.FailReason = ""
	return nil
}

func (f *fakeDocStore) MarkFailed(id uint, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document %d not found", id)
	}
	doc.Status = model.DocumentStatusFailed
	doc.FailReason = reason
	return nil
}

func (f *fakeDocStore) ResetForReingest(id uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	if doc.Status != model.DocumentStatusProcessed && doc.Status != model.DocumentStatusFailed {
		return false, nil
	}
	doc.Status = model.DocumentStatusPending
	doc.CollectionRef = nil
	return true, nil
}

func (f *fakeDocStore) UpdateDetails(id uint, title string, isPublic bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document %d not found", id)
	}
	doc.Title = title
	doc.IsPublic = isPublic
	return nil
}

func (f *fakeDocStore) Delete(id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

type fakeChunkStore struct {
	mu        sync.Mutex
	chunks    []model.DocumentChunk
	failBatch bool
	onDelete  func(documentID uint)
}

func (f *fakeChunkStore) CreateBatch(chunks []model.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBatch {
		return errors.New("create chunks batch failed: disk full")
	}
	f.chunks = append(f.chunks, chunks...)
	return nil
}

func (f *fakeChunkStore) ListByDocumentID(documentID uint) ([]model.DocumentChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DocumentChunk
	for _, c := range f.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeChunkStore) VectorIDsByDocumentID(documentID uint) ([]string, error) {
	chunks, _ := f.ListByDocumentID(documentID)
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.VectorID)
	}
	return ids, nil
}

func (f *fakeChunkStore) DeleteByDocumentID(documentID uint) error {
	if f.onDelete != nil {
		f.onDelete(documentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.chunks[:0]
	for _, c := range f.chunks {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}
	f.chunks = kept
	return nil
}

type fakeTenants struct {
	byUser map[uint]*uint
}

func (f *fakeTenants) ResolveTenant(userID uint) (*uint, error) {
	return f.byUser[userID], nil
}

type fakeFiles struct {
	mu    sync.Mutex
	blobs map[string][]byte
	n     int
}

func newFakeFiles() *fakeFiles { return &fakeFiles{blobs: make(map[string][]byte)} }

func (f *fakeFiles) Store(data []byte, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	ref := fmt.Sprintf("blob-%d-%s", f.n, name)
	f.blobs[ref] = data
	return ref, nil
}

func (f *fakeFiles) Fetch(ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("no blob %s", ref)
	}
	return data, nil
}

func (f *fakeFiles) Delete(ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, ref)
	return nil
}

// fakeEmbedder produces a deterministic 4-dim vector per text so that
// identical texts are maximally similar. failAfter > 0 fails the call that
// would embed the text with that (1-based) global index; holeAt marks one
// global slot nil instead.
type fakeEmbedder struct {
	mu        sync.Mutex
	seen      int
	failAfter int
	holeAt    int
}

func textVector(text string) []float32 {
	var a, b, c float32
	for i, r := range text {
		switch i % 3 {
		case 0:
			a += float32(r)
		case 1:
			b += float32(r)
		default:
			c += float32(r)
		}
	}
	return []float32{a, b, c, float32(len(text))}
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.failAfter == 1 {
		return nil, errors.New("embedding backend exploded")
	}
	return textVector(text), nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		f.seen++
		if f.failAfter > 0 && f.seen >= f.failAfter {
			return nil, errors.New("embedding backend exploded")
		}
		if f.holeAt > 0 && f.seen == f.holeAt {
			continue
		}
		out[i] = textVector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int { return 4 }

type fakeQueue struct {
	mu        sync.Mutex
	published []uint
	fail      bool
}

func (f *fakeQueue) Publish(_ context.Context, documentID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker gone")
	}
	f.published = append(f.published, documentID)
	return nil
}

type serviceFixture struct {
	svc      *DocumentService
	docs     *fakeDocStore
	chunks   *fakeChunkStore
	files    *fakeFiles
	embedder *fakeEmbedder
	index    *memory.Index
	queue    *fakeQueue
	tenants  *fakeTenants
}

func newServiceFixture(chunkSize, overlap, batchSize int) *serviceFixture {
	f := &serviceFixture{
		docs:     newFakeDocStore(),
		chunks:   &fakeChunkStore{},
		files:    newFakeFiles(),
		embedder: &fakeEmbedder{},
		index:    memory.New(),
		queue:    &fakeQueue{},
		tenants:  &fakeTenants{byUser: make(map[uint]*uint)},
	}
	f.svc = NewDocumentService(
		f.docs, f.chunks, f.tenants, f.files, f.embedder, f.index, f.queue,
		chunkSize, overlap, batchSize,
	)
	return f
}

func (f *serviceFixture) uploadText(t *testing.T, userID uint, name, text string) *model.Document {
	t.Helper()
	doc, err := f.svc.Upload(context.Background(), UploadInput{
		UploaderID: userID,
		Title:      name,
		FileName:   name,
		Data:       []byte(text),
	})
	require.NoError(t, err)
	return doc
}

func uintPtr(v uint) *uint { return &v }

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func TestProcessHappyPath(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	text := strings.Repeat("a", 2500)
	doc := f.uploadText(t, 1, "policy.txt", text)

	require.Equal(t, []uint{doc.ID}, f.queue.published)

	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	got, err := f.docs.GetByID(doc.ID)
	require.NoError(t, err)
	require.Equal(t, model.DocumentStatusProcessed, got.Status)
	require.NotNil(t, got.CollectionRef)

	chunks, err := f.chunks.ListByDocumentID(doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, fmt.Sprintf("%s_chunk_%d", *got.CollectionRef, i), c.VectorID)
	}
	assert.Len(t, chunks[0].Content, 1000)
	assert.Len(t, chunks[2].Content, 900)
	assert.Equal(t, 3, f.index.Len())
}

func TestProcessEmbedFailureLeavesNothing(t *testing.T) {
	// Batch size 2 over 3 chunks: the second batch fails after the first
	// already succeeded. Nothing may persist.
	f := newServiceFixture(1000, 200, 2)
	f.embedder.failAfter = 3
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 2500))

	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "exploded")
	assert.Nil(t, got.CollectionRef)

	chunks, _ := f.chunks.ListByDocumentID(doc.ID)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, f.index.Len())
}

func TestProcessEmbedHoleFailsDocument(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	f.embedder.holeAt = 2
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 2500))

	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.Contains(t, got.FailReason, "embedding missing for chunk 1")
	assert.Equal(t, 0, f.index.Len())
}

func TestProcessChunkPersistRollsBackVectors(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	f.chunks.failBatch = true
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 2500))

	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.Equal(t, 0, f.index.Len(), "vectors must be rolled back when chunk rows fail")
}

func TestProcessNotClaimableIsNoOp(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 500))
	require.NoError(t, f.docs.MarkFailed(doc.ID, "earlier run"))
	// A second delivery of the same job must not touch a non-pending doc.
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.Equal(t, "earlier run", got.FailReason)
	assert.Equal(t, 0, f.index.Len())
}

func TestProcessUnsupportedFormatFails(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "legacy.doc", "binary doc payload")

	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusFailed, got.Status)
	assert.NotEmpty(t, got.FailReason)
}

func TestReingestClearsOldStateAndRequeues(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 2500))
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))
	require.Equal(t, 3, f.index.Len())

	require.NoError(t, f.svc.Reingest(context.Background(), 1, doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusPending, got.Status)
	assert.Nil(t, got.CollectionRef)
	assert.Equal(t, 0, f.index.Len())
	chunks, _ := f.chunks.ListByDocumentID(doc.ID)
	assert.Empty(t, chunks)
	assert.Equal(t, []uint{doc.ID, doc.ID}, f.queue.published)

	// The queued rerun produces a fresh collection ref.
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))
	again, _ := f.docs.GetByID(doc.ID)
	require.Equal(t, model.DocumentStatusProcessed, again.Status)
	assert.Equal(t, 3, f.index.Len())
}

func TestReingestWhilePendingRejected(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "policy.txt", "short text")

	err := f.svc.Reingest(context.Background(), 1, doc.ID)
	assert.ErrorIs(t, err, ErrIngestInProgress)
}

func TestReingestWrongUploader(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "policy.txt", "short text")

	err := f.svc.Reingest(context.Background(), 2, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDeleteCascades(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 2500))
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	require.NoError(t, f.svc.Delete(context.Background(), 1, doc.ID))

	got, _ := f.docs.GetByID(doc.ID)
	assert.Nil(t, got)
	chunks, _ := f.chunks.ListByDocumentID(doc.ID)
	assert.Empty(t, chunks)
	assert.Equal(t, 0, f.index.Len())
	assert.Empty(t, f.files.blobs)
}

func TestSearchTenantIsolation(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	f.tenants.byUser[1] = uintPtr(10)
	f.tenants.byUser[2] = uintPtr(20)

	docA := f.uploadText(t, 1, "a.txt", "alumni mentoring program schedule")
	docB := f.uploadText(t, 2, "b.txt", "alumni mentoring program schedule")
	require.NoError(t, f.svc.Process(context.Background(), docA.ID))
	require.NoError(t, f.svc.Process(context.Background(), docB.ID))

	results, err := f.svc.Search(context.Background(), SearchInput{
		UserID: 1,
		Query:  "alumni mentoring program schedule",
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "tenant 10 must never see tenant 20's chunks")
	assert.Equal(t, docA.ID, results[0].DocumentID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
}

func TestSearchTenantScopeMismatch(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	f.tenants.byUser[1] = uintPtr(10)

	_, err := f.svc.Search(context.Background(), SearchInput{
		UserID:      1,
		Query:       "anything",
		TenantScope: uintPtr(20),
	})
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestSearchHidesPrivateDocsOfStrangers(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 2, "salary.txt", "salary bands confidential")
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	// A tenantless stranger passes the (empty) vector filter but must be
	// stopped by the document visibility rule.
	strangerResults, err := f.svc.Search(context.Background(), SearchInput{
		UserID: 1,
		Query:  "salary bands confidential",
	})
	require.NoError(t, err)
	assert.Empty(t, strangerResults, "private documents must not be retrievable by strangers")

	ownerResults, err := f.svc.Search(context.Background(), SearchInput{
		UserID: 2,
		Query:  "salary bands confidential",
	})
	require.NoError(t, err)
	assert.Len(t, ownerResults, 1)

	// Publishing the document opens it up to everyone.
	_, err = f.svc.Update(UpdateDocumentInput{
		UserID:     2,
		DocumentID: doc.ID,
		IsPublic:   boolPtr(true),
	})
	require.NoError(t, err)

	publishedResults, err := f.svc.Search(context.Background(), SearchInput{
		UserID: 1,
		Query:  "salary bands confidential",
	})
	require.NoError(t, err)
	assert.Len(t, publishedResults, 1)
}

func TestSearchAllowsSameUniversityDocs(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	f.tenants.byUser[1] = uintPtr(10)
	f.tenants.byUser[3] = uintPtr(10)

	doc := f.uploadText(t, 3, "handbook.txt", "campus shuttle timetable")
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	results, err := f.svc.Search(context.Background(), SearchInput{
		UserID: 1,
		Query:  "campus shuttle timetable",
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "colleagues from the same university share private docs")
	assert.Equal(t, doc.ID, results[0].DocumentID)
}

func TestUpdateDocument(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "notes.txt", "some notes")

	updated, err := f.svc.Update(UpdateDocumentInput{
		UserID:     1,
		DocumentID: doc.ID,
		Title:      strPtr("Renamed Notes"),
		IsPublic:   boolPtr(true),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed Notes", updated.Title)
	assert.True(t, updated.IsPublic)

	stored, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, "Renamed Notes", stored.Title)
	assert.True(t, stored.IsPublic)

	_, err = f.svc.Update(UpdateDocumentInput{
		UserID:     2,
		DocumentID: doc.ID,
		Title:      strPtr("hijacked"),
	})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = f.svc.Update(UpdateDocumentInput{
		UserID:     1,
		DocumentID: doc.ID,
		Title:      strPtr("   "),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReingestCleansUpWhileStillTerminal(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc := f.uploadText(t, 1, "policy.txt", strings.Repeat("a", 2500))
	require.NoError(t, f.svc.Process(context.Background(), doc.ID))

	// A redelivered queue message must not be able to claim the document
	// while the old chunks are being removed, so the flip to pending has to
	// happen only after cleanup.
	var statusAtCleanup string
	f.chunks.onDelete = func(documentID uint) {
		got, _ := f.docs.GetByID(documentID)
		statusAtCleanup = got.Status
	}

	require.NoError(t, f.svc.Reingest(context.Background(), 1, doc.ID))
	assert.Equal(t, model.DocumentStatusProcessed, statusAtCleanup)

	got, _ := f.docs.GetByID(doc.ID)
	assert.Equal(t, model.DocumentStatusPending, got.Status)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	doc1 := f.uploadText(t, 1, "match.txt", "career fair registration deadline")
	doc2 := f.uploadText(t, 1, "other.txt", "zzzz qqqq xxxx unrelated noise")
	require.NoError(t, f.svc.Process(context.Background(), doc1.ID))
	require.NoError(t, f.svc.Process(context.Background(), doc2.ID))

	results, err := f.svc.Search(context.Background(), SearchInput{
		UserID: 1,
		Query:  "career fair registration deadline",
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, doc1.ID, results[0].DocumentID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchBlankQuery(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	_, err := f.svc.Search(context.Background(), SearchInput{UserID: 1, Query: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUploadQueueFailure(t *testing.T) {
	f := newServiceFixture(1000, 200, 10)
	f.queue.fail = true
	_, err := f.svc.Upload(context.Background(), UploadInput{
		UploaderID: 1,
		FileName:   "a.txt",
		Data:       []byte("text"),
	})
	assert.ErrorIs(t, err, ErrIngestEnqueue)
}
