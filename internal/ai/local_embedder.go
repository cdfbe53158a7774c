package ai

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"unicode"

	ort "github.com/yalue/onnxruntime_go"
)

const localMaxSeqLen = 256

// LocalEmbedder runs a sentence-transformer ONNX export in-process with a
// WordPiece vocabulary, mean pooling and L2 normalization. Inference is
// synchronous and CPU-bound, so calls pass through a bounded gate: at most
// `parallel` goroutines may be waiting on the runtime at once and the wait
// itself honors the caller's context.
type LocalEmbedder struct {
	mu sync.Mutex

	modelPath string
	vocabPath string
	libPath   string
	dimension int

	gate chan struct{}

	session   *ort.AdvancedSession
	inputIDs  *ort.Tensor[int64]
	attnMask  *ort.Tensor[int64]
	typeIDs   *ort.Tensor[int64]
	output    *ort.Tensor[float32]
	hasTypeIn bool

	vocab   map[string]int64
	clsID   int64
	sepID   int64
	unkID   int64
	padID   int64
	inited  bool
	initErr error
}

func NewLocalEmbedder(modelPath, vocabPath, onnxLibPath string, dimension, parallel int) *LocalEmbedder {
	if parallel <= 0 {
		parallel = 1
	}
	return &LocalEmbedder{
		modelPath: modelPath,
		vocabPath: vocabPath,
		libPath:   onnxLibPath,
		dimension: dimension,
		gate:      make(chan struct{}, parallel),
	}
}

func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty input", ErrEmbeddingRejected)
	}

	select {
	case e.gate <- struct{}{}:
		defer func() { <-e.gate }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := e.initOnce(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return e.run(text)
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, t)
		if err != nil {
			// Per-slot absence marker; the caller decides what a hole means.
			out[i] = nil
			continue
		}
		out[i] = vec
	}
	return out, nil
}

// initOnce loads the ONNX shared library, vocabulary, and session.
func (e *LocalEmbedder) initOnce() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inited {
		return e.initErr
	}
	e.inited = true
	e.initErr = e.initLocked()
	return e.initErr
}

func (e *LocalEmbedder) initLocked() error {
	if e.libPath != "" {
		ort.SetSharedLibraryPath(e.libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("onnx init environment: %w", err)
	}

	vocab, err := loadVocab(e.vocabPath)
	if err != nil {
		return fmt.Errorf("load vocab: %w", err)
	}
	e.vocab = vocab
	for name, dst := range map[string]*int64{
		"[CLS]": &e.clsID,
		"[SEP]": &e.sepID,
		"[UNK]": &e.unkID,
		"[PAD]": &e.padID,
	} {
		id, ok := vocab[name]
		if !ok {
			return fmt.Errorf("vocab missing special token %s", name)
		}
		*dst = id
	}

	inputs, outputs, err := ort.GetInputOutputInfo(e.modelPath)
	if err != nil {
		return fmt.Errorf("onnx get input/output info: %w", err)
	}
	if len(inputs) < 2 || len(outputs) == 0 {
		return fmt.Errorf("unexpected onnx model signature")
	}

	shape := ort.NewShape(1, localMaxSeqLen)
	e.inputIDs, err = ort.NewEmptyTensor[int64](shape)
	if err != nil {
		return fmt.Errorf("onnx new input tensor: %w", err)
	}
	e.attnMask, err = ort.NewEmptyTensor[int64](shape)
	if err != nil {
		return fmt.Errorf("onnx new mask tensor: %w", err)
	}

	inputNames := make([]string, 0, len(inputs))
	inputValues := make([]ort.Value, 0, len(inputs))
	for _, info := range inputs {
		switch info.Name {
		case "input_ids":
			inputNames = append(inputNames, info.Name)
			inputValues = append(inputValues, e.inputIDs)
		case "attention_mask":
			inputNames = append(inputNames, info.Name)
			inputValues = append(inputValues, e.attnMask)
		case "token_type_ids":
			e.typeIDs, err = ort.NewEmptyTensor[int64](shape)
			if err != nil {
				return fmt.Errorf("onnx new type tensor: %w", err)
			}
			e.hasTypeIn = true
			inputNames = append(inputNames, info.Name)
			inputValues = append(inputValues, e.typeIDs)
		default:
			return fmt.Errorf("unexpected onnx input %q", info.Name)
		}
	}

	e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, localMaxSeqLen, int64(e.dimension)))
	if err != nil {
		return fmt.Errorf("onnx new output tensor: %w", err)
	}

	e.session, err = ort.NewAdvancedSession(e.modelPath, inputNames, []string{outputs[0].Name},
		inputValues, []ort.Value{e.output}, nil)
	if err != nil {
		return fmt.Errorf("onnx new session: %w", err)
	}
	return nil
}

func (e *LocalEmbedder) run(text string) ([]float32, error) {
	ids := e.tokenize(text)
	seqLen := len(ids)

	e.mu.Lock()
	idData := e.inputIDs.GetData()
	maskData := e.attnMask.GetData()
	for i := 0; i < localMaxSeqLen; i++ {
		if i < seqLen {
			idData[i] = ids[i]
			maskData[i] = 1
		} else {
			idData[i] = e.padID
			maskData[i] = 0
		}
	}
	if e.hasTypeIn {
		typeData := e.typeIDs.GetData()
		for i := range typeData {
			typeData[i] = 0
		}
	}
	err := e.session.Run()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	// Mean pooling over non-padding positions, then L2 normalize.
	hidden := e.output.GetData()
	vec := make([]float32, e.dimension)
	for pos := 0; pos < seqLen; pos++ {
		base := pos * e.dimension
		for d := 0; d < e.dimension; d++ {
			vec[d] += hidden[base+d]
		}
	}
	e.mu.Unlock()

	inv := 1.0 / float32(seqLen)
	var norm float64
	for d := range vec {
		vec[d] *= inv
		norm += float64(vec[d]) * float64(vec[d])
	}
	if norm > 0 {
		scale := float32(1.0 / math.Sqrt(norm))
		for d := range vec {
			vec[d] *= scale
		}
	}
	return vec, nil
}

// tokenize lowercases, splits on whitespace and punctuation, and applies
// greedy WordPiece, producing [CLS] ... [SEP] capped at the model window.
func (e *LocalEmbedder) tokenize(text string) []int64 {
	words := basicTokens(text)

	ids := make([]int64, 0, localMaxSeqLen)
	ids = append(ids, e.clsID)
	for _, word := range words {
		for _, id := range e.wordPiece(word) {
			if len(ids) >= localMaxSeqLen-1 {
				break
			}
			ids = append(ids, id)
		}
		if len(ids) >= localMaxSeqLen-1 {
			break
		}
	}
	ids = append(ids, e.sepID)
	return ids
}

func (e *LocalEmbedder) wordPiece(word string) []int64 {
	runes := []rune(word)
	var pieces []int64
	start := 0
	for start < len(runes) {
		end := len(runes)
		var match int64 = -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := e.vocab[piece]; ok {
				match = id
				break
			}
			end--
		}
		if match < 0 {
			return []int64{e.unkID}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}

func basicTokens(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func loadVocab(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		vocab[strings.TrimSpace(sc.Text())] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return vocab, nil
}
