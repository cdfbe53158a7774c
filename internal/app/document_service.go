package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"alumniportal/internal/ai"
	"alumniportal/internal/chunker"
	"alumniportal/internal/extract"
	"alumniportal/internal/model"
	"alumniportal/internal/storage"
	"alumniportal/internal/vectorstore"
)

// Per-call budgets for the network boundaries of the pipeline.
const (
	fetchTimeout   = 30 * time.Second
	embedTimeout   = 30 * time.Second
	indexTimeout   = 30 * time.Second
	searchTimeout  = 10 * time.Second
	defaultTopK    = 5
	maxUploadTitle = 256
)

// DocumentStore is the relational persistence the pipeline needs, including
// the atomic status check-and-set that serializes runs per document.
type DocumentStore interface {
	Create(doc *model.Document) error
	GetByID(id uint) (*model.Document, error)
	GetByIDs(ids []uint) ([]model.Document, error)
	GetByIDAndUploader(id, uploaderID uint) (*model.Document, error)
	ListByUploader(uploaderID uint) ([]model.Document, error)
	ClaimForProcessing(id uint) (bool, error)
	MarkProcessed(id uint, collectionRef string) error
	MarkFailed(id uint, reason string) error
	ResetForReingest(id uint) (bool, error)
	UpdateDetails(id uint, title string, isPublic bool) error
	Delete(id uint) error
}

// DocumentReader is the read-only slice of DocumentStore the retrieval paths
// need for visibility checks.
type DocumentReader interface {
	GetByIDs(ids []uint) ([]model.Document, error)
}

type ChunkStore interface {
	CreateBatch(chunks []model.DocumentChunk) error
	ListByDocumentID(documentID uint) ([]model.DocumentChunk, error)
	VectorIDsByDocumentID(documentID uint) ([]string, error)
	DeleteByDocumentID(documentID uint) error
}

// TenantResolver maps a user to their university id (nil = no tenant).
type TenantResolver interface {
	ResolveTenant(userID uint) (*uint, error)
}

// IngestQueue hands a document id to the out-of-band ingestion workers.
type IngestQueue interface {
	Publish(ctx context.Context, documentID uint) error
}

type DocumentService struct {
	docs     DocumentStore
	chunks   ChunkStore
	tenants  TenantResolver
	files    storage.FileStore
	embedder ai.EmbeddingProvider
	index    vectorstore.Index
	queue    IngestQueue

	chunkSize    int
	chunkOverlap int
	batchSize    int
}

func NewDocumentService(
	docs DocumentStore,
	chunks ChunkStore,
	tenants TenantResolver,
	files storage.FileStore,
	embedder ai.EmbeddingProvider,
	index vectorstore.Index,
	queue IngestQueue,
	chunkSize, chunkOverlap, batchSize int,
) *DocumentService {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunker.DefaultOverlap
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &DocumentService{
		docs:         docs,
		chunks:       chunks,
		tenants:      tenants,
		files:        files,
		embedder:     embedder,
		index:        index,
		queue:        queue,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		batchSize:    batchSize,
	}
}

type UploadInput struct {
	UploaderID uint
	Title      string
	FileName   string
	Data       []byte
	IsPublic   bool
}

// Upload stores the file, creates the pending document record scoped to the
// uploader's tenant, and queues ingestion.
func (s *DocumentService) Upload(ctx context.Context, input UploadInput) (*model.Document, error) {
	if input.UploaderID == 0 || len(input.Data) == 0 {
		return nil, ErrInvalidInput
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = strings.TrimSpace(input.FileName)
	}
	if title == "" {
		title = "Untitled"
	}
	if len(title) > maxUploadTitle {
		title = title[:maxUploadTitle]
	}

	tenant, err := s.tenants.ResolveTenant(input.UploaderID)
	if err != nil {
		return nil, err
	}

	ref, err := s.files.Store(input.Data, input.FileName)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		Title:        title,
		FileRef:      ref,
		FileType:     extract.TypeFromFilename(input.FileName),
		UploaderID:   input.UploaderID,
		UniversityID: tenant,
		Status:       model.DocumentStatusPending,
		IsPublic:     input.IsPublic,
	}
	if err := s.docs.Create(doc); err != nil {
		return nil, err
	}

	if err := s.Ingest(ctx, doc.ID); err != nil {
		return nil, err
	}
	return doc, nil
}

// Ingest queues processing for a document. Idempotent by state: a document
// that is not pending will be claimed by no worker.
func (s *DocumentService) Ingest(ctx context.Context, documentID uint) error {
	if documentID == 0 {
		return ErrInvalidInput
	}
	if s.queue == nil {
		return ErrIngestEnqueue
	}
	if err := s.queue.Publish(ctx, documentID); err != nil {
		return fmt.Errorf("%w: %v", ErrIngestEnqueue, err)
	}
	return nil
}

// Process runs the full pipeline for one document: fetch, extract, chunk,
// embed, then persist vectors + chunk records + the processed flip. Every
// stage error is consumed here and becomes the failed status with an
// internally recorded cause; callers poll the document for the outcome.
//
// All chunk records and all embeddings are computed in memory before the
// first write, so a failed document leaves zero chunks and zero vectors
// behind.
func (s *DocumentService) Process(ctx context.Context, documentID uint) error {
	doc, err := s.docs.GetByID(documentID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	claimed, err := s.docs.ClaimForProcessing(documentID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another run owns this document (or it already finished).
		log.Printf("ingest: document %d not claimable (status %s), skipping", documentID, doc.Status)
		return nil
	}

	collectionRef, err := s.runPipeline(ctx, doc)
	if err != nil {
		log.Printf("ingest: document %d failed: %v", documentID, err)
		if markErr := s.docs.MarkFailed(documentID, err.Error()); markErr != nil {
			return markErr
		}
		return nil
	}

	if err := s.docs.MarkProcessed(documentID, collectionRef); err != nil {
		return err
	}
	log.Printf("ingest: document %d processed into collection %s", documentID, collectionRef)
	return nil
}

func (s *DocumentService) runPipeline(ctx context.Context, doc *model.Document) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	data, err := s.fetchFile(fetchCtx, doc.FileRef)
	cancel()
	if err != nil {
		return "", err
	}

	text, err := extract.Text(doc.FileType, data)
	if err != nil {
		return "", err
	}

	parts, err := chunker.Split(text, s.chunkSize, s.chunkOverlap)
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", extract.ErrEmptyContent
	}

	embeddings, err := s.embedAll(ctx, parts)
	if err != nil {
		return "", err
	}

	// Everything is in memory now; assemble the whole batch before writing.
	collectionRef := uuid.NewString()
	entries := make([]vectorstore.Entry, len(parts))
	records := make([]model.DocumentChunk, len(parts))
	for i, part := range parts {
		meta := map[string]string{
			vectorstore.DocumentIDKey: strconv.FormatUint(uint64(doc.ID), 10),
			vectorstore.OrdinalKey:    strconv.Itoa(i),
			vectorstore.TitleKey:      doc.Title,
			vectorstore.FileTypeKey:   doc.FileType,
		}
		if doc.UniversityID != nil {
			meta[vectorstore.TenantKey] = strconv.FormatUint(uint64(*doc.UniversityID), 10)
		}
		vectorID := fmt.Sprintf("%s_chunk_%d", collectionRef, i)
		entries[i] = vectorstore.Entry{
			ID:       vectorID,
			Vector:   embeddings[i],
			Text:     part,
			Metadata: meta,
		}
		metaJSON, _ := json.Marshal(meta)
		records[i] = model.DocumentChunk{
			DocumentID: doc.ID,
			Ordinal:    i,
			Content:    part,
			VectorID:   vectorID,
			Metadata:   string(metaJSON),
		}
	}

	indexCtx, cancel := context.WithTimeout(ctx, indexTimeout)
	err = s.index.Upsert(indexCtx, entries)
	cancel()
	if err != nil {
		return "", err
	}

	if err := s.chunks.CreateBatch(records); err != nil {
		// Vectors landed but the chunk rows did not; roll the vectors back
		// so the failed document holds no partial state.
		ids := make([]string, len(entries))
		for i := range entries {
			ids[i] = entries[i].ID
		}
		rollbackCtx, cancel := context.WithTimeout(context.Background(), indexTimeout)
		if delErr := s.index.Delete(rollbackCtx, ids); delErr != nil {
			log.Printf("ingest: rollback of %d vectors for document %d failed: %v", len(ids), doc.ID, delErr)
		}
		cancel()
		return "", err
	}

	return collectionRef, nil
}

func (s *DocumentService) fetchFile(ctx context.Context, ref string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := s.files.Fetch(ref)
		ch <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: fetch timed out", storage.ErrUnavailable)
	case r := <-ch:
		return r.data, r.err
	}
}

// embedAll embeds every chunk in provider-sized batches, preserving input
// order. Any hole in any batch fails the whole document: a partially
// embedded document is worse than a cleanly failed one.
func (s *DocumentService) embedAll(ctx context.Context, parts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(parts))
	for start := 0; start < len(parts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(parts) {
			end = len(parts)
		}
		batchCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		batch, err := s.embedder.EmbedBatch(batchCtx, parts[start:end])
		cancel()
		if err != nil {
			return nil, err
		}
		for i, vec := range batch {
			if vec == nil {
				return nil, fmt.Errorf("embedding missing for chunk %d", start+i)
			}
		}
		embeddings = append(embeddings, batch...)
	}
	if len(embeddings) != len(parts) {
		return nil, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(embeddings), len(parts))
	}
	return embeddings, nil
}

// Reingest wipes a terminal document's chunks and vectors and queues a full
// rerun. A pending or processing document cannot be re-ingested.
func (s *DocumentService) Reingest(ctx context.Context, userID, documentID uint) error {
	if userID == 0 || documentID == 0 {
		return ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUploader(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	if doc.Status != model.DocumentStatusProcessed && doc.Status != model.DocumentStatusFailed {
		return ErrIngestInProgress
	}

	// Clean up while the document is still terminal and unclaimable; only
	// then flip it to pending. A redelivered queue message arriving during
	// cleanup cannot claim a terminal document, so the new run never races
	// against the old chunk rows.
	if err := s.dropChunksAndVectors(ctx, documentID); err != nil {
		return err
	}

	reset, err := s.docs.ResetForReingest(documentID)
	if err != nil {
		return err
	}
	if !reset {
		return ErrIngestInProgress
	}
	return s.Ingest(ctx, documentID)
}

// Delete removes the document and everything hanging off it: vector
// entries, chunk rows, the stored file, and finally the record itself.
func (s *DocumentService) Delete(ctx context.Context, userID, documentID uint) error {
	if userID == 0 || documentID == 0 {
		return ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUploader(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}

	if err := s.dropChunksAndVectors(ctx, documentID); err != nil {
		return err
	}
	if err := s.files.Delete(doc.FileRef); err != nil {
		log.Printf("delete: stored file %s for document %d: %v", doc.FileRef, documentID, err)
	}
	return s.docs.Delete(documentID)
}

func (s *DocumentService) dropChunksAndVectors(ctx context.Context, documentID uint) error {
	ids, err := s.chunks.VectorIDsByDocumentID(documentID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		indexCtx, cancel := context.WithTimeout(ctx, indexTimeout)
		err = s.index.Delete(indexCtx, ids)
		cancel()
		if err != nil {
			return err
		}
	}
	return s.chunks.DeleteByDocumentID(documentID)
}

func (s *DocumentService) Get(userID, documentID uint) (*model.Document, error) {
	if userID == 0 || documentID == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUploader(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

func (s *DocumentService) List(userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docs.ListByUploader(userID)
}

type SearchInput struct {
	UserID uint
	Query  string
	Limit  int
	// TenantScope optionally narrows the search explicitly. It must agree
	// with the caller's own tenant when both are set.
	TenantScope *uint
}

type SearchResult struct {
	DocumentID uint    `json:"document_id"`
	Title      string  `json:"title"`
	ChunkText  string  `json:"chunk_text"`
	Ordinal    int     `json:"chunk_ordinal"`
	Score      float32 `json:"similarity_score"`
}

// Search embeds the query and returns the most similar chunks visible to
// the caller's tenant, similarity-descending.
func (s *DocumentService) Search(ctx context.Context, input SearchInput) ([]SearchResult, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, ErrInvalidInput
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultTopK
	}

	tenant, err := s.tenants.ResolveTenant(input.UserID)
	if err != nil {
		return nil, err
	}
	if input.TenantScope != nil && tenant != nil && *input.TenantScope != *tenant {
		return nil, ErrTenantMismatch
	}
	if tenant == nil {
		tenant = input.TenantScope
	}

	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	queryVec, err := s.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		return nil, err
	}

	filter := map[string]string{}
	if tenant != nil {
		filter[vectorstore.TenantKey] = strconv.FormatUint(uint64(*tenant), 10)
	}

	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	hits, err := s.index.Search(searchCtx, queryVec, limit, filter)
	cancel()
	if err != nil {
		return nil, err
	}

	hits, err = filterVisibleHits(s.docs, hits, input.UserID, tenant)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		docID, _ := strconv.ParseUint(hit.Metadata[vectorstore.DocumentIDKey], 10, 64)
		ordinal, _ := strconv.Atoi(hit.Metadata[vectorstore.OrdinalKey])
		results = append(results, SearchResult{
			DocumentID: uint(docID),
			Title:      hit.Metadata[vectorstore.TitleKey],
			ChunkText:  hit.Text,
			Ordinal:    ordinal,
			Score:      hit.Score,
		})
	}
	return results, nil
}

// documentVisible is the retrieval access rule: a chunk may be shown when
// its document is public, the caller's own, or from the caller's university.
func documentVisible(doc *model.Document, userID uint, tenant *uint) bool {
	if doc.IsPublic {
		return true
	}
	if doc.UploaderID == userID {
		return true
	}
	if tenant != nil && doc.UniversityID != nil && *doc.UniversityID == *tenant {
		return true
	}
	return false
}

// filterVisibleHits drops hits whose backing document the caller may not
// see, and hits whose document no longer exists (stale vectors).
func filterVisibleHits(docs DocumentReader, hits []vectorstore.Result, userID uint, tenant *uint) ([]vectorstore.Result, error) {
	if len(hits) == 0 {
		return hits, nil
	}
	ids := make([]uint, 0, len(hits))
	seen := make(map[uint]bool, len(hits))
	for _, hit := range hits {
		docID, err := strconv.ParseUint(hit.Metadata[vectorstore.DocumentIDKey], 10, 64)
		if err != nil || seen[uint(docID)] {
			continue
		}
		seen[uint(docID)] = true
		ids = append(ids, uint(docID))
	}

	loaded, err := docs.GetByIDs(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]*model.Document, len(loaded))
	for i := range loaded {
		byID[loaded[i].ID] = &loaded[i]
	}

	visible := hits[:0]
	for _, hit := range hits {
		docID, _ := strconv.ParseUint(hit.Metadata[vectorstore.DocumentIDKey], 10, 64)
		doc, ok := byID[uint(docID)]
		if !ok || !documentVisible(doc, userID, tenant) {
			continue
		}
		visible = append(visible, hit)
	}
	return visible, nil
}

type UpdateDocumentInput struct {
	UserID     uint
	DocumentID uint
	// Nil leaves the current value in place.
	Title    *string
	IsPublic *bool
}

// Update edits the caller-visible attributes of an owned document. Flipping
// IsPublic takes effect on the next retrieval: visibility is checked against
// the document row, not against anything baked into the vector index.
func (s *DocumentService) Update(input UpdateDocumentInput) (*model.Document, error) {
	if input.UserID == 0 || input.DocumentID == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUploader(input.DocumentID, input.UserID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, ErrInvalidInput
		}
		if len(title) > maxUploadTitle {
			title = title[:maxUploadTitle]
		}
		doc.Title = title
	}
	if input.IsPublic != nil {
		doc.IsPublic = *input.IsPublic
	}

	if err := s.docs.UpdateDetails(doc.ID, doc.Title, doc.IsPublic); err != nil {
		return nil, err
	}
	return doc, nil
}
