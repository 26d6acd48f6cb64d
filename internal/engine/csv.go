package engine

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const obsColumn = "__mcp_obs"

// parseViewDataCSV reads the exported snapshot into a column-major
// DataSnapshot. The synthetic observation column becomes the row
// index; everything else keeps export order. Dtypes are inferred per
// column: a column whose every non-empty cell parses as a number is
// numeric, the rest are strings.
func parseViewDataCSV(path string, maxRows int) (*DataSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed snapshot csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty snapshot csv")
	}

	header := records[0]
	obsIdx := -1
	var columns []string
	for i, name := range header {
		if name == obsColumn {
			obsIdx = i
			continue
		}
		columns = append(columns, name)
	}
	if columns == nil {
		columns = []string{}
	}

	numeric := make([]bool, len(header))
	for i := range numeric {
		numeric[i] = true
	}
	body := records[1:]
	if len(body) > maxRows {
		body = body[:maxRows]
	}
	for _, rec := range body {
		for i, cell := range rec {
			if i >= len(numeric) || cell == "" || cell == "." {
				continue
			}
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				numeric[i] = false
			}
		}
	}

	dtypes := make(map[string]string, len(columns))
	for i, name := range header {
		if i == obsIdx {
			continue
		}
		if numeric[i] {
			dtypes[name] = "float64"
		} else {
			dtypes[name] = "object"
		}
	}

	rows := make([][]any, 0, len(body))
	index := make([]int, 0, len(body))
	for rowNum, rec := range body {
		row := make([]any, 0, len(columns))
		obs := rowNum
		for i, cell := range rec {
			if i >= len(header) {
				break
			}
			if i == obsIdx {
				if n, err := strconv.Atoi(strings.TrimSpace(cell)); err == nil {
					obs = n
				}
				continue
			}
			row = append(row, parseCell(cell, numeric[i]))
		}
		rows = append(rows, row)
		index = append(index, obs)
	}

	return &DataSnapshot{
		Columns: columns,
		Rows:    rows,
		Dtypes:  dtypes,
		Index:   index,
	}, nil
}

func parseCell(cell string, isNumeric bool) any {
	if !isNumeric {
		return cell
	}
	if cell == "" || cell == "." {
		return nil
	}
	if n, err := strconv.ParseFloat(cell, 64); err == nil {
		return n
	}
	return cell
}
