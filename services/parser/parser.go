// Package parser turns a staged history page into validated price points.
package parser

import (
	"bytes"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"github.com/Stargazers-Consulting-LLC/creampie-sub002/models"
)

// DefaultTableSelector matches the history table on the source site.
const DefaultTableSelector = `table[data-test="historical-prices"]`

const (
	fieldOpen = iota
	fieldHigh
	fieldLow
	fieldClose
	fieldAdjClose
	numPriceFields
)

// rowWidth is date, five prices and volume.
const rowWidth = 7

var dateLayouts = []string{
	"Jan 2, 2006",
	"Jan 02, 2006",
	"January 2, 2006",
	"2006-01-02",
	"01/02/2006",
}

var missingMarkers = map[string]bool{
	"":     true,
	"-":    true,
	"--":   true,
	"null": true,
	"n/a":  true,
}

// ParseError means the page yielded nothing usable. It is fatal for the file.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse error: " + e.Reason
}

// RawRow is one table row as text, in source column order.
type RawRow struct {
	Date     string
	Open     string
	High     string
	Low      string
	Close    string
	AdjClose string
	Volume   string
}

// Row is a typed row on its way through cleaning. A nil price or volume is a
// missing value.
type Row struct {
	Date   time.Time
	Prices [numPriceFields]*decimal.Decimal
	Volume *int64
}

// CleanResult is the outcome of Clean.
type CleanResult struct {
	Rows       []models.PricePoint
	Skipped    int
	Duplicates int
	OutOfRange int
	Imputed    int
}

// Parser extracts and cleans history tables.
type Parser struct {
	locator TableLocator
	imputer Imputer
	now     func() time.Time
}

// NewParser builds a parser. A nil locator uses the default selector with a
// header-based fallback; a nil imputer uses column means.
func NewParser(locator TableLocator, imputer Imputer) *Parser {
	if locator == nil {
		locator = ChainLocator{SelectorLocator{Selector: DefaultTableSelector}, HeaderLocator{}}
	}
	if imputer == nil {
		imputer = ColumnMean{}
	}
	return &Parser{locator: locator, imputer: imputer, now: time.Now}
}

// Parse runs Extract then Clean.
func (p *Parser) Parse(content []byte) (*CleanResult, error) {
	raw, err := p.Extract(content)
	if err != nil {
		return nil, err
	}
	return p.Clean(raw)
}

// Extract locates the price table and returns the rows that have the
// seven-field numeric shape. Dividend, split and other annotation rows are
// dropped.
func (p *Parser) Extract(content []byte) ([]RawRow, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("read document: %v", err)}
	}

	table, err := p.locator.Locate(doc)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	var rows []RawRow
	dropped := 0
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return // header
		}
		if cells.Length() != rowWidth {
			dropped++
			return
		}
		text := make([]string, rowWidth)
		cells.Each(func(i int, td *goquery.Selection) {
			text[i] = strings.TrimSpace(td.Text())
		})
		r := RawRow{
			Date:     text[0],
			Open:     text[1],
			High:     text[2],
			Low:      text[3],
			Close:    text[4],
			AdjClose: text[5],
			Volume:   text[6],
		}
		if !wellFormed(r) {
			dropped++
			return
		}
		rows = append(rows, r)
	})

	if dropped > 0 {
		log.Printf("Parser: dropped %d non-price rows", dropped)
	}
	if len(rows) == 0 {
		return nil, &ParseError{Reason: "no price rows in table"}
	}
	return rows, nil
}

func wellFormed(r RawRow) bool {
	if _, err := parseDate(r.Date); err != nil {
		return false
	}
	for _, s := range []string{r.Open, r.High, r.Low, r.Close, r.AdjClose, r.Volume} {
		if _, err := parseNumber(s); err != nil {
			return false
		}
	}
	return true
}

// Clean deduplicates, orders, range-checks, fills and validates rows.
// The returned points have no Symbol set.
func (p *Parser) Clean(raw []RawRow) (*CleanResult, error) {
	res := &CleanResult{}
	now := p.now()
	latest := models.LatestTradingDate(now)

	// Last occurrence of a date wins.
	byDate := make(map[time.Time]int, len(raw))
	var rows []Row
	for _, rr := range raw {
		r, err := toRow(rr)
		if err != nil {
			res.Skipped++
			continue
		}
		if i, ok := byDate[r.Date]; ok {
			rows[i] = r
			res.Duplicates++
			continue
		}
		byDate[r.Date] = len(rows)
		rows = append(rows, r)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	inRange := rows[:0]
	for _, r := range rows {
		if r.Date.Before(models.MinPriceDate) || r.Date.After(latest) {
			log.Printf("Parser: dropping row dated %s, outside accepted range", r.Date.Format("2006-01-02"))
			res.OutOfRange++
			continue
		}
		inRange = append(inRange, r)
	}
	rows = inRange

	zero := int64(0)
	for i := range rows {
		if rows[i].Volume == nil {
			rows[i].Volume = &zero
		}
	}

	incomplete := 0
	for _, r := range rows {
		for _, v := range r.Prices {
			if v == nil {
				incomplete++
				break
			}
		}
	}
	rows, dropped := p.imputer.Impute(rows)
	res.Skipped += dropped
	res.Imputed = incomplete - dropped

	for _, r := range rows {
		pt := models.PricePoint{
			Date:     r.Date,
			Open:     *r.Prices[fieldOpen],
			High:     *r.Prices[fieldHigh],
			Low:      *r.Prices[fieldLow],
			Close:    *r.Prices[fieldClose],
			AdjClose: *r.Prices[fieldAdjClose],
			Volume:   *r.Volume,
		}
		if err := pt.Validate(now); err != nil {
			log.Printf("Parser: skipping %v", err)
			res.Skipped++
			continue
		}
		res.Rows = append(res.Rows, pt)
	}

	if len(res.Rows) == 0 {
		return nil, &ParseError{Reason: "no valid rows after cleaning"}
	}
	return res, nil
}

func toRow(rr RawRow) (Row, error) {
	d, err := parseDate(rr.Date)
	if err != nil {
		return Row{}, err
	}
	r := Row{Date: d}
	for i, s := range []string{rr.Open, rr.High, rr.Low, rr.Close, rr.AdjClose} {
		if r.Prices[i], err = parseNumber(s); err != nil {
			return Row{}, err
		}
	}
	v, err := parseNumber(rr.Volume)
	if err != nil {
		return Row{}, err
	}
	if v != nil {
		n := v.IntPart()
		r.Volume = &n
	}
	return r, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return models.TradingDate(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// parseNumber returns nil for a missing-value marker.
func parseNumber(s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if missingMarkers[strings.ToLower(s)] {
		return nil, nil
	}
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return &d, nil
}
