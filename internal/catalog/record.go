package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one raw product as produced by the scraping engine
type Record struct {
	SourceID         Text           `json:"source_id"`
	Name             string         `json:"name"`
	Price            Text           `json:"price"`
	ComparePrice     Text           `json:"compare_price"`
	Currency         string         `json:"currency"`
	SKU              Text           `json:"sku"`
	StockQuantity    Text           `json:"stock_quantity"`
	Description      string         `json:"description"`
	ShortDescription string         `json:"short_description"`
	Specifications   map[string]any `json:"specifications"`
	Brand            string         `json:"brand"`
	Category         string         `json:"category"`
	Images           ImageList      `json:"images"`
	SourceURL        string         `json:"source_url"`
	Rating           Text           `json:"rating"`
	ReviewsCount     Text           `json:"reviews_count"`

	raw json.RawMessage
}

// DecodeRecord parses one engine record and keeps the raw bytes for error logs
func DecodeRecord(raw json.RawMessage) (*Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	r.raw = raw
	return &r, nil
}

// HasNameAndPrice reports whether the record carries the fields a
// single-product scrape must return
func (r *Record) HasNameAndPrice() bool {
	return strings.TrimSpace(r.Name) != "" && strings.TrimSpace(string(r.Price)) != ""
}

// Raw returns the record as a generic map for log context
func (r *Record) Raw() map[string]any {
	var m map[string]any
	if len(r.raw) > 0 && json.Unmarshal(r.raw, &m) == nil {
		return m
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// Text accepts a JSON string, number or boolean; null becomes ""
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case len(data) > 0 && (data[0] == '-' || (data[0] >= '0' && data[0] <= '9')):
		if !bytes.ContainsAny(data, "eE") {
			*t = Text(data)
			break
		}
		// exponent form would lose its exponent in ParsePrice
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid number %s: %w", data, err)
		}
		*t = Text(strconv.FormatFloat(f, 'f', -1, 64))
	case bytes.Equal(data, []byte("true")), bytes.Equal(data, []byte("false")):
		*t = Text(data)
	default:
		return fmt.Errorf("expected a string or number, got %s", data)
	}
	return nil
}

// OrNil returns nil for empty text, for nullable columns
func (t Text) OrNil() *string {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return nil
	}
	return &s
}

// ImageList accepts an array of URL strings or of objects with a url/src field
type ImageList []string

func (l *ImageList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("images: %w", err)
	}

	urls := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				urls = append(urls, s)
			}
			continue
		}
		var obj struct {
			URL string `json:"url"`
			Src string `json:"src"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("images: unsupported entry %s", item)
		}
		u := obj.URL
		if u == "" {
			u = obj.Src
		}
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	*l = urls
	return nil
}

// ParsePrice strips everything but digits and '.', so ',' acts as a
// thousands separator. Malformed or empty input is 0.
func ParsePrice(s string) float64 {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseCount reads the integer part of a numeric field; ok is false when no digit is present
func parseCount(t Text) (int, bool) {
	s := strings.TrimSpace(string(t))
	if !strings.ContainsAny(s, "0123456789") {
		return 0, false
	}
	return int(ParsePrice(s)), true
}
