package readfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ErrBinary marks a file whose content is not text. Binary files are a
// file-scoped error; they never abort the run.
var ErrBinary = errors.New("binary content")

// Document is one loaded transcript. Raw holds the exact file bytes (the
// content-hash and watch-offset basis); Text is the plain text handed to the
// chunker. For plain text files the two are the same bytes.
type Document struct {
	Path string
	Raw  []byte
	Text string
}

// Read loads a transcript file, extracting plain text from PDF and HTML
// exports and taking everything else verbatim after a binary check.
func Read(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	doc := &Document{Path: path, Raw: raw}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		text, err := pdfToText(path)
		if err != nil {
			return nil, fmt.Errorf("extracting text from %s: %w", path, err)
		}
		doc.Text = text
	case ".html", ".htm":
		text, err := htmlToText(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		doc.Text = text
	default:
		if isBinary(raw) {
			return nil, fmt.Errorf("%s: %w", path, ErrBinary)
		}
		doc.Text = string(raw)
	}
	return doc, nil
}

func pdfToText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(text), nil
}

// blockElements get a newline appended so extracted text keeps paragraph
// boundaries the chunker splits on.
var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
}

func htmlToText(raw []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteString("\n")
		}
	}
	walk(doc)
	return b.String(), nil
}

// isBinary applies the null-byte heuristic over the first 8000 bytes.
func isBinary(content []byte) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}
