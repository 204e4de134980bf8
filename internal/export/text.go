package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
)

// ToCSV writes a header row followed by one row per record. Fields containing
// a comma, quote or newline are quoted with doubled inner quotes.
func ToCSV(records []Record, columns ...string) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	cols := Columns(records, columns...)

	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(cols); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(cols))
	for _, record := range records {
		for i, col := range cols {
			row[i] = CellString(record[col])
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}

	return strings.TrimSuffix(b.String(), "\n"), nil
}

// ToJSON renders records as an indented JSON array.
func ToJSON(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}

	return string(raw), nil
}

func ToMarkdownTable(records []Record, columns ...string) string {
	if len(records) == 0 {
		return ""
	}
	cols := Columns(records, columns...)

	lines := make([]string, 0, len(records)+2)
	lines = append(lines, markdownRow(cols))

	sep := make([]string, len(cols))
	for i := range sep {
		sep[i] = "---"
	}
	lines = append(lines, "| "+strings.Join(sep, " | ")+" |")

	cells := make([]string, len(cols))
	for _, record := range records {
		for i, col := range cols {
			cells[i] = CellString(record[col])
		}
		lines = append(lines, markdownRow(cells))
	}

	return strings.Join(lines, "\n")
}

var markdownEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")

func markdownRow(cells []string) string {
	escaped := make([]string, len(cells))
	for i, cell := range cells {
		escaped[i] = markdownEscaper.Replace(cell)
	}

	return "| " + strings.Join(escaped, " | ") + " |"
}

func ToLatexTable(records []Record, columns ...string) string {
	if len(records) == 0 {
		return ""
	}
	cols := Columns(records, columns...)

	var b strings.Builder
	b.WriteString(`\begin{tabular}{` + strings.Repeat("l", len(cols)) + "}\n")
	b.WriteString("\\hline\n")
	b.WriteString(latexRow(cols))
	b.WriteString("\\hline\n")

	cells := make([]string, len(cols))
	for _, record := range records {
		for i, col := range cols {
			cells[i] = CellString(record[col])
		}
		b.WriteString(latexRow(cells))
	}
	b.WriteString("\\hline\n")
	b.WriteString(`\end{tabular}`)

	return b.String()
}

var latexEscaper = strings.NewReplacer(
	"&", `\&`,
	"%", `\%`,
	"$", `\$`,
	"#", `\#`,
	"_", `\_`,
	"{", `\{`,
	"}", `\}`,
)

func latexRow(cells []string) string {
	escaped := make([]string, len(cells))
	for i, cell := range cells {
		escaped[i] = latexEscaper.Replace(cell)
	}

	return strings.Join(escaped, " & ") + " \\\\\n"
}
