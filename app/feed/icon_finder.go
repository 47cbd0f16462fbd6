package feed

import (
	"bytes"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// iconRels in order of preference
var iconRels = []string{"icon", "shortcut icon", "apple-touch-icon"}

type IconFinder struct{}

func NewIconFinder() *IconFinder {
	return &IconFinder{}
}

// Run returns the absolute URL of the site icon declared in a home page,
// falling back to /favicon.ico on the page's host.
func (f *IconFinder) Run(data []byte, pageURL *url.URL) (string, error) {
	if pageURL == nil || pageURL.Host == "" {
		return "", fmt.Errorf("page URL must be absolute")
	}

	fallback := pageURL.ResolveReference(&url.URL{Path: "/favicon.ico"}).String()
	if len(data) == 0 {
		return fallback, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if parsed, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
			base = parsed
		}
	}

	best, bestRank := "", len(iconRels)
	doc.Find("link[rel][href]").Each(func(_ int, s *goquery.Selection) {
		rel := strings.ToLower(strings.Join(strings.Fields(s.AttrOr("rel", "")), " "))
		rank := slices.Index(iconRels, rel)
		if rank < 0 || rank >= bestRank {
			return
		}

		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "data:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		best, bestRank = resolved.String(), rank
	})

	if best == "" {
		return fallback, nil
	}
	return best, nil
}
