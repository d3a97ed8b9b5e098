// Package extract derives page metadata from fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Result is the metadata pulled from one document.
type Result struct {
	Title     string
	Author    string
	WordCount int
}

var authorSelectors = []string{
	`meta[name="author"]`,
	`meta[property="article:author"]`,
	`meta[name="dc.creator"]`,
	`meta[name="twitter:creator"]`,
}

// IsHTML reports whether contentType denotes an HTML document. An empty type is
// treated as HTML since archived captures often omit it.
func IsHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// HTML parses body and extracts title, author and a visible-text word count.
func HTML(body []byte) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	var res Result
	res.Title = collapse(doc.Find("title").First().Text())
	if res.Title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			res.Title = collapse(og)
		}
	}
	for _, sel := range authorSelectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			res.Author = collapse(v)
			break
		}
	}
	doc.Find("script, style, noscript, template").Remove()
	res.WordCount = len(strings.Fields(doc.Find("body").Text()))
	return res, nil
}

// Text counts words in a plain-text body.
func Text(body []byte) Result {
	return Result{WordCount: len(strings.Fields(string(body)))}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
