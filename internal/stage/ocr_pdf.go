package stage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func extractPDF(ctx context.Context, data []byte, report Reporter, logger *slog.Logger) (*Extraction, error) {
	r, err := openPDF(data)
	if err != nil {
		logger.Info("pdf unreadable, attempting repair", "error", err)
		repaired, rerr := repairPDF(data)
		if rerr != nil {
			return nil, fail(OCRName, ErrExtractionFailed, "opening pdf: %v (repair failed: %v)", err, rerr)
		}
		if r, err = openPDF(repaired); err != nil {
			return nil, fail(OCRName, ErrExtractionFailed, "opening repaired pdf: %v", err)
		}
		data = repaired
	}

	pages := r.NumPage()
	if n, err := api.PageCount(bytes.NewReader(data), relaxedConfig()); err == nil && n != pages {
		logger.Debug("pdf page count mismatch", "reader", pages, "pdfcpu", n)
		pages = max(pages, n)
	}
	if pages == 0 {
		return nil, fail(OCRName, ErrExtractionFailed, "pdf has no pages")
	}

	var (
		sb       strings.Builder
		withText int
	)
	for i := 1; i <= r.NumPage(); i++ {
		if err := checkCtx(ctx, OCRName); err != nil {
			return nil, err
		}
		text, err := pageText(r, i)
		if err != nil {
			logger.Debug("skipping unreadable pdf page", "page", i, "error", err)
		} else if text = strings.TrimSpace(text); text != "" {
			withText++
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(text)
		}
		progress(report, float64(i)/float64(pages), fmt.Sprintf("page %d of %d", i, pages))
	}

	return &Extraction{
		Text:          sb.String(),
		Format:        "pdf",
		Pages:         pages,
		PagesWithText: withText,
	}, nil
}

// The PDF reader panics on some malformed inputs.

func openPDF(data []byte) (r *pdf.Reader, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pdf reader: %v", p)
		}
	}()
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

func pageText(r *pdf.Reader, i int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("page %d: %v", i, p)
		}
	}()
	p := r.Page(i)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

func relaxedConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// repairPDF rewrites data through pdfcpu's optimizer, which rebuilds the
// cross-reference table.
func repairPDF(data []byte) (_ []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pdf repair: %v", p)
		}
	}()
	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &out, relaxedConfig()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
