package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// PlainConverter handles text-native formats by reading the bytes as-is.
type PlainConverter struct{}

var plainExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true,
	".json": true, ".yaml": true, ".yml": true, ".html": true, ".xml": true,
}

func (PlainConverter) Supports(mimeType, ext string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	return plainExtensions[strings.ToLower(ext)]
}

func (PlainConverter) Convert(ctx context.Context, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PDFConverter extracts plain text from PDF files.
type PDFConverter struct{}

func (PDFConverter) Supports(mimeType, ext string) bool {
	return mimeType == "application/pdf" || strings.ToLower(ext) == ".pdf"
}

func (PDFConverter) Convert(ctx context.Context, localPath string) (string, error) {
	f, r, err := pdf.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	total := r.NumPage()
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// DoclingConverter sends office documents to a docling service and receives
// markdown back. It is the fallback for formats nothing local can read.
type DoclingConverter struct {
	BaseURL string
	Client  *http.Client
}

// NewDoclingConverter wires the HTTP converter.
func NewDoclingConverter(baseURL string) *DoclingConverter {
	return &DoclingConverter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

var doclingExtensions = map[string]bool{
	".docx": true, ".doc": true, ".pptx": true, ".ppt": true,
	".xlsx": true, ".xls": true, ".odt": true, ".rtf": true,
}

func (c *DoclingConverter) Supports(mimeType, ext string) bool {
	if c.BaseURL == "" {
		return false
	}
	return doclingExtensions[strings.ToLower(ext)]
}

func (c *DoclingConverter) Convert(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/convert", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "text/markdown")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("docling returned %d", resp.StatusCode)
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
