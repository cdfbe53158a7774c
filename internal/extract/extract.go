package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"alumniportal/internal/model"
)

var (
	// ErrUnsupportedFormat is returned for file types the extractor cannot
	// read (legacy .doc and anything outside the supported set).
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrCorruptFile is returned when the bytes do not parse as the declared
	// format. Non-retryable.
	ErrCorruptFile = errors.New("file content is corrupt or unreadable")
	// ErrEmptyContent is returned when extraction succeeds but yields no
	// text. Chunking empty text is meaningless, so this is a failure.
	ErrEmptyContent = errors.New("no extractable text in file")
)

// Text converts raw file bytes into plain UTF-8 text according to the
// declared file type. Whitespace-only output is ErrEmptyContent.
func Text(fileType string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch fileType {
	case model.FileTypePDF:
		text, err = pdfText(data)
	case model.FileTypeDocx:
		text, err = docxText(data)
	case model.FileTypeTxt, model.FileTypeMd:
		text, err = plainText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, fileType)
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}

// TypeFromFilename maps a filename extension to a document file type.
func TypeFromFilename(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return model.FileTypeOther
	}
	switch strings.ToLower(name[idx+1:]) {
	case "pdf":
		return model.FileTypePDF
	case "doc":
		return model.FileTypeDoc
	case "docx":
		return model.FileTypeDocx
	case "txt":
		return model.FileTypeTxt
	case "md", "markdown":
		return model.FileTypeMd
	default:
		return model.FileTypeOther
	}
}

func pdfText(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("%w: pdf parse panic: %v", ErrCorruptFile, r)
		}
	}()

	if len(data) == 0 {
		return "", ErrCorruptFile
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return string(out), nil
}

func plainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrCorruptFile)
	}
	return string(data), nil
}
