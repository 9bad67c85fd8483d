// Package goqueryextractor implements crawler.Extractor for the proceedings
// archive layout using goquery selectors.
package goqueryextractor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// Selectors used against the archive markup.
const (
	DefaultProceedingPathMarker = "/paper_files/paper/"
	paperListSelector           = "ul.paper-list"
	containerSelector           = "div.container-fluid"
	contentSelector             = "div.col.p-3"
	authorsHeading              = "Authors"
	abstractHeading             = "Abstract"
)

// Config tunes link discovery.
type Config struct {
	// ProceedingPathMarker is the substring a root-page href must contain to
	// count as a proceeding link.
	ProceedingPathMarker string
}

// Extractor parses archive root, proceeding index, and paper detail pages.
type Extractor struct {
	marker string
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	marker := cfg.ProceedingPathMarker
	if marker == "" {
		marker = DefaultProceedingPathMarker
	}
	return &Extractor{marker: marker}
}

// Links returns the ordered, de-duplicated child links of a root or
// proceeding page, resolved against pageURL.
func (e *Extractor) Links(kind crawler.PageKind, pageURL string, body []byte) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var anchors *goquery.Selection
	switch kind {
	case crawler.PageArchiveRoot:
		anchors = doc.Find("a[href]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			return strings.Contains(href, e.marker)
		})
	case crawler.PageProceedingIndex:
		anchors = doc.Find(paperListSelector).First().Find("a[href]")
	default:
		return nil, fmt.Errorf("page kind %q has no child links", kind)
	}

	seen := make(map[string]struct{})
	links := make([]string, 0, anchors.Length())
	anchors.Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved, ok := resolve(base, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	})
	return links, nil
}

// Paper extracts title, authors, and abstract from a paper detail page.
// Fields whose markup is missing are returned absent.
func (e *Extractor) Paper(pageURL string, body []byte) (crawler.PaperRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.PaperRecord{}, fmt.Errorf("parse paper %s: %w", pageURL, err)
	}
	rec := crawler.PaperRecord{
		Title:    crawler.Absent(),
		Authors:  crawler.Absent(),
		Abstract: crawler.Absent(),
		URL:      pageURL,
	}

	containers := doc.Find(containerSelector)
	var container *goquery.Selection
	switch {
	case containers.Length() >= 2:
		container = containers.Eq(1)
	case containers.Length() == 1:
		container = containers.First()
	default:
		return rec, nil
	}
	content := container.Find(contentSelector).First()
	if content.Length() == 0 {
		return rec, nil
	}

	if h4 := content.Find("h4").First(); h4.Length() > 0 {
		rec.Title = crawler.Present(strings.TrimSpace(h4.Text()))
	}
	if h4 := heading(content, authorsHeading); h4 != nil {
		if p := h4.NextAllFiltered("p").First(); p.Length() > 0 {
			rec.Authors = crawler.Present(strings.TrimSpace(p.Text()))
		}
	}
	if h4 := heading(content, abstractHeading); h4 != nil {
		rec.Abstract = crawler.Present(abstractText(h4))
	}
	return rec, nil
}

// heading finds the first h4 whose trimmed text equals name.
func heading(content *goquery.Selection, name string) *goquery.Selection {
	h4 := content.Find("h4").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.Text()) == name
	}).First()
	if h4.Length() == 0 {
		return nil
	}
	return h4
}

// abstractText joins the non-empty run of consecutive paragraphs after h4.
func abstractText(h4 *goquery.Selection) string {
	var parts []string
	for cur := h4.NextAllFiltered("p").First(); cur.Length() > 0 && goquery.NodeName(cur) == "p"; cur = cur.Next() {
		if text := strings.TrimSpace(cur.Text()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}
