package stage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// OCRName is the OCR stage name.
const OCRName = "ocr"

// ImageRecognizer transcribes the text in an image.
type ImageRecognizer interface {
	Recognize(ctx context.Context, contentType string, data []byte) (string, error)
}

// OCR extracts plain text from PDFs, text, HTML and (with a recognizer)
// images.
type OCR struct {
	images ImageRecognizer
	logger *slog.Logger
}

// NewOCR creates the OCR executor. images may be nil, in which case image
// uploads fail as unsupported.
func NewOCR(images ImageRecognizer) *OCR {
	return &OCR{images: images, logger: slog.Default().With("component", "stage.ocr")}
}

func (o *OCR) Name() string { return OCRName }

func (o *OCR) Run(ctx context.Context, w *Work, report Reporter) error {
	if len(w.Data) == 0 {
		return fail(OCRName, ErrExtractionFailed, "file is empty")
	}

	ct := DetectContentType(w.ContentType, w.Filename, w.Data)
	progress(report, 0, "extracting text from "+ct)

	var (
		ext *Extraction
		err error
	)
	switch {
	case ct == "application/pdf":
		ext, err = extractPDF(ctx, w.Data, report, o.logger)
	case ct == "text/html" || ct == "application/xhtml+xml":
		ext, err = extractHTML(w.Data)
	case isPlainText(ct):
		ext = &Extraction{Text: decodeText(w.Data), Format: "text", Pages: 1}
	case isImage(ct):
		ext, err = o.recognize(ctx, ct, w.Data)
	default:
		return fail(OCRName, ErrUnsupportedFormat, "content type %s", ct)
	}
	if err != nil {
		return err
	}

	ext.Text = strings.TrimSpace(ext.Text)
	if ext.Text == "" {
		return fail(OCRName, ErrExtractionFailed, "no extractable text")
	}
	if ext.PagesWithText == 0 && ext.Pages > 0 {
		ext.PagesWithText = ext.Pages
	}
	ext.Quality = textQuality(ext.Text, ext.Pages, ext.PagesWithText)

	w.Extraction = ext
	progress(report, 1, fmt.Sprintf("extracted %d characters", utf8.RuneCountInString(ext.Text)))
	return nil
}

func (o *OCR) recognize(ctx context.Context, ct string, data []byte) (*Extraction, error) {
	if o.images == nil {
		return nil, fail(OCRName, ErrUnsupportedFormat, "no image recognizer configured for %s", ct)
	}
	text, err := o.images.Recognize(ctx, ct, data)
	if err != nil {
		if cerr := checkCtx(ctx, OCRName); cerr != nil {
			return nil, cerr
		}
		return nil, fail(OCRName, ErrExtractionFailed, "recognizing image: %v", err)
	}
	return &Extraction{Text: text, Format: "image", Pages: 1}, nil
}

var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".txt":      "text/plain",
	".pdf":      "application/pdf",
	".html":     "text/html",
	".htm":      "text/html",
	".tif":      "image/tiff",
	".tiff":     "image/tiff",
}

// DetectContentType returns the media type (without parameters) used to pick
// an extractor. The declared type wins unless it is missing or generic.
func DetectContentType(declared, filename string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return t
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func isPlainText(ct string) bool {
	switch ct {
	case "text/plain", "text/markdown", "text/x-markdown", "text/csv":
		return true
	}
	return false
}

func isImage(ct string) bool {
	switch ct {
	case "image/png", "image/jpeg", "image/tiff", "image/webp":
		return true
	}
	return false
}

func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "")
}

// textQuality scores extracted text in [0,1]: the share of readable runes,
// scaled by the share of pages that yielded any text.
func textQuality(text string, pages, pagesWithText int) float64 {
	var total, good int
	for _, r := range text {
		total++
		switch {
		case r == utf8.RuneError:
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r),
			unicode.IsPunct(r), unicode.IsSymbol(r):
			good++
		}
	}
	if total == 0 {
		return 0
	}
	q := float64(good) / float64(total)
	if pages > 0 {
		q *= float64(pagesWithText) / float64(pages)
	}
	return math.Round(q*100) / 100
}
