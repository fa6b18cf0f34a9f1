package bundle

import "strings"

// csvDocument renders a CSV view with every cell quoted. The stdlib
// encoding/csv writer only quotes when required, which would make the byte
// output depend on cell content shape, so the quoting is done by hand here.
func csvDocument(header []string, rows [][]string) []byte {
	var b strings.Builder
	writeCSVRow(&b, header)
	for _, row := range rows {
		writeCSVRow(&b, row)
	}
	return []byte(b.String())
}

func writeCSVRow(b *strings.Builder, cells []string) {
	for i, cell := range cells {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(escapeFormula(cell), `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
}

// escapeFormula neutralizes spreadsheet formula injection: a cell starting
// with =, +, - or @ (after optional whitespace) is prefixed with a single
// apostrophe so spreadsheet software treats it as text.
func escapeFormula(cell string) string {
	trimmed := strings.TrimLeft(cell, " \t\r\n")
	if trimmed == "" {
		return cell
	}
	switch trimmed[0] {
	case '=', '+', '-', '@':
		return "'" + cell
	}
	return cell
}
