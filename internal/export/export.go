// Package export renders flat records as CSV, JSON, Markdown or LaTeX text.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is one flat row; values are rendered with CellString.
type Record map[string]any

type Format string

const (
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
	FormatLatex    Format = "latex"
)

var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts format names and common aliases ("markdown", "tex").
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "latex", "tex":
		return FormatLatex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnknownFormat, path)
	}

	return ParseFormat(ext)
}

func (f Format) Extension() string {
	switch f {
	case FormatLatex:
		return "tex"
	default:
		return string(f)
	}
}

// Render dispatches to the converter for format.
func Render(format Format, records []Record, columns ...string) (string, error) {
	switch format {
	case FormatCSV:
		return ToCSV(records, columns...)
	case FormatJSON:
		return ToJSON(records)
	case FormatMarkdown:
		return ToMarkdownTable(records, columns...), nil
	case FormatLatex:
		return ToLatexTable(records, columns...), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Columns returns explicit columns when given, otherwise the sorted keys of the first record.
func Columns(records []Record, explicit ...string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	if len(records) == 0 {
		return nil
	}

	keys := make([]string, 0, len(records[0]))
	for k := range records[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// CellString renders one value as table text. Nil becomes an empty cell;
// zero numbers and false are kept.
func CellString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case time.Time:
		if value.IsZero() {
			return ""
		}
		return value.UTC().Format(timeLayout)
	case *time.Time:
		if value == nil {
			return ""
		}
		return CellString(*value)
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(value)
	case json.Number:
		return value.String()
	case fmt.Stringer:
		return value.String()
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(raw)
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatForExport normalizes record values for text output: times become
// RFC 3339 strings, nil becomes "", maps and slices become compact JSON.
func FormatForExport(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		formatted := make(Record, len(record))
		for k, v := range record {
			switch value := v.(type) {
			case nil:
				formatted[k] = ""
			case string, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
				formatted[k] = value
			default:
				formatted[k] = CellString(value)
			}
		}
		out = append(out, formatted)
	}

	return out
}

// RecordsFrom converts a slice of structs into records via their JSON form.
func RecordsFrom(v any) ([]Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}

	var records []Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}

	return records, nil
}
