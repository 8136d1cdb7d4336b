package importer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

// Options configures ReadFile.
type Options struct {
	// Sheet selects the XLSX sheet. Empty means the first.
	Sheet string
	// Delimiter overrides the CSV separator. Zero means ','.
	Delimiter rune
}

// Columns recognised in the header row. Matching ignores case and treats
// spaces and dashes as underscores.
const (
	colIndustry    = "industry"
	colLocation    = "location"
	colKeywords    = "keywords"
	colCompanySize = "company_size"
	colMaxResults  = "max_results"
)

// ReadFile parses searches from a CSV or XLSX file. The first row is the
// header and must name at least the industry and location columns. Blank
// rows are skipped; any other invalid row fails the whole file.
func ReadFile(ctx context.Context, path string, opts Options) ([]model.SearchContext, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err := readXLSX(path, opts.Sheet)
		if err != nil {
			return nil, err
		}
		return parseRows(rows)
	case ".csv", ".tsv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "importer: open csv")
		}
		defer f.Close() //nolint:errcheck

		delim := opts.Delimiter
		if delim == 0 && strings.EqualFold(filepath.Ext(path), ".tsv") {
			delim = '\t'
		}
		rowCh, errCh := streamCSV(ctx, f, delim)
		var rows [][]string
		for row := range rowCh {
			rows = append(rows, row)
		}
		if err := <-errCh; err != nil {
			return nil, err
		}
		return parseRows(rows)
	default:
		return nil, eris.Errorf("importer: unsupported file type %q", filepath.Ext(path))
	}
}

func parseRows(rows [][]string) ([]model.SearchContext, error) {
	if len(rows) == 0 {
		return nil, eris.New("importer: file is empty")
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		cols[normalizeHeader(h)] = i
	}
	for _, required := range []string{colIndustry, colLocation} {
		if _, ok := cols[required]; !ok {
			return nil, eris.Errorf("importer: header is missing %q column", required)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var searches []model.SearchContext
	for n, row := range rows[1:] {
		line := n + 2
		if blank(row) {
			continue
		}

		s := model.SearchContext{
			Industry:    cell(row, colIndustry),
			Location:    cell(row, colLocation),
			Keywords:    splitKeywords(cell(row, colKeywords)),
			CompanySize: cell(row, colCompanySize),
		}
		if v := cell(row, colMaxResults); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil {
				return nil, eris.Errorf("importer: row %d: invalid max_results %q", line, v)
			}
			s.MaxResults = limit
		}
		if err := s.Validate(); err != nil {
			return nil, eris.Wrapf(err, "importer: row %d", line)
		}
		searches = append(searches, s)
	}
	return searches, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

// splitKeywords accepts keywords separated by semicolons or pipes.
func splitKeywords(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, k := range strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == '|' }) {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
