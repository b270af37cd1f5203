// Package extract pulls readable article text out of a web page.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	MaxParagraphs = 10
	MaxChars      = 2000
)

// ErrNoContent means the page exists but yields no usable article text, or
// is gone for good.
var ErrNoContent = errors.New("extract: no content")

// Container selectors, most specific first. Plain paragraphs are the fallback.
var selectors = []string{
	"article",
	".article-body",
	".post-content",
	".entry-content",
	".content",
	"main",
	".main-content",
}

type Extractor struct {
	client    *http.Client
	userAgent string
}

func New(client *http.Client) *Extractor {
	if client == nil {
		client = &http.Client{
			Timeout:   20 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Extractor{client: client, userAgent: "enrichment-pipeline/1.0"}
}

func (e *Extractor) Extract(ctx context.Context, url string) (string, error) {
	doc, err := e.fetchDocument(ctx, url)
	if err != nil {
		return "", err
	}
	text := Text(doc)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoContent, url)
	}
	return text, nil
}

func (e *Extractor) fetchDocument(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrNoContent, err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: request document: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s returned %s", ErrNoContent, url, resp.Status)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("extract: %s returned %s", url, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("extract: parse document: %w", err)
	}
	return doc, nil
}

// Text returns the first paragraphs of the first container that has any,
// falling back to every paragraph on the page.
func Text(doc *goquery.Document) string {
	for _, sel := range selectors {
		container := doc.Find(sel).First()
		if container.Length() == 0 {
			continue
		}
		if text := joinParagraphs(container.Find("p")); text != "" {
			return text
		}
	}
	return joinParagraphs(doc.Find("p"))
}

func joinParagraphs(paragraphs *goquery.Selection) string {
	parts := make([]string, 0, MaxParagraphs)
	paragraphs.EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if text := strings.Join(strings.Fields(p.Text()), " "); text != "" {
			parts = append(parts, text)
		}
		return len(parts) < MaxParagraphs
	})
	return truncate(strings.Join(parts, " "), MaxChars)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
