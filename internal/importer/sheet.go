package importer

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/cases"
)

// normalize folds a header or sheet name so "Asset Tag", "ASSET_TAG" and
// "asset tag" compare equal. Casers are stateful, so each call takes its own.
func normalize(s string) string {
	s = cases.Fold().String(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	}), "_")
}

// table is one worksheet read into a folded header and data rows.
type table struct {
	name    string
	columns map[string]int
	rows    [][]string
}

// row is one data row of a table. Number is the 1-based spreadsheet row.
type row struct {
	t      *table
	Number int
	cells  []string
}

// get returns the trimmed cell under column, or "" when absent.
func (r row) get(column string) string {
	i, ok := r.t.columns[column]
	if !ok || i >= len(r.cells) {
		return ""
	}
	return strings.TrimSpace(r.cells[i])
}

func (r row) blank() bool {
	for _, c := range r.cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func (t *table) each(fn func(r row)) {
	for i, cells := range t.rows {
		r := row{t: t, Number: i + 2, cells: cells}
		if r.blank() {
			continue
		}
		fn(r)
	}
}

func (t *table) require(columns ...string) error {
	var missing []string
	for _, c := range columns {
		if _, ok := t.columns[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("importer: sheet %q is missing columns %s", t.name, strings.Join(missing, ", "))
	}
	return nil
}

// workbook holds the sheets of an upload keyed by folded name.
type workbook map[string]*table

func readWorkbook(path string) (workbook, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "importer: open workbook")
	}

	wb := make(workbook, len(f.Sheets))
	for _, sheet := range f.Sheets {
		t := &table{name: sheet.Name, columns: make(map[string]int)}
		for i, r := range sheet.Rows {
			cells := rowToStrings(r)
			if i == 0 {
				for j, h := range cells {
					if h = normalize(h); h != "" {
						t.columns[h] = j
					}
				}
				continue
			}
			t.rows = append(t.rows, cells)
		}
		wb[normalize(sheet.Name)] = t
	}
	return wb, nil
}

// rowToStrings returns raw cell values. Date cells arrive as Excel serial
// numbers unless the sheet stores them as text.
func rowToStrings(r *xlsx.Row) []string {
	if r == nil {
		return nil
	}
	cells := make([]string, len(r.Cells))
	for j, cell := range r.Cells {
		cells[j] = cell.Value
	}
	return cells
}
