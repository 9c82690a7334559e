package parser

import (
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoTable is returned by a TableLocator that finds no candidate table.
var ErrNoTable = errors.New("no price table found")

// TableLocator finds the historical price table in a page. It is the only
// part of the parser that knows about the source site's markup.
type TableLocator interface {
	Locate(doc *goquery.Document) (*goquery.Selection, error)
}

// SelectorLocator picks the first table matching a CSS selector.
type SelectorLocator struct {
	Selector string
}

func (l SelectorLocator) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	if l.Selector == "" {
		return nil, ErrNoTable
	}
	sel := doc.Find(l.Selector).First()
	if sel.Length() == 0 {
		return nil, ErrNoTable
	}
	if !sel.Is("table") {
		sel = sel.Find("table").First()
		if sel.Length() == 0 {
			return nil, ErrNoTable
		}
	}
	return sel, nil
}

// HeaderLocator picks the first table whose header names the expected columns.
type HeaderLocator struct{}

var requiredHeaders = []string{"date", "open", "high", "low", "close", "volume"}

func (HeaderLocator) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		header := strings.ToLower(table.Find("th").Text())
		for _, h := range requiredHeaders {
			if !strings.Contains(header, h) {
				return true
			}
		}
		found = table
		return false
	})
	if found == nil {
		return nil, ErrNoTable
	}
	return found, nil
}

// ChainLocator tries each locator in order and returns the first match.
type ChainLocator []TableLocator

func (c ChainLocator) Locate(doc *goquery.Document) (*goquery.Selection, error) {
	for _, l := range c {
		if sel, err := l.Locate(doc); err == nil {
			return sel, nil
		}
	}
	return nil, ErrNoTable
}
