// Package dataset loads product and agent tables from CSV or Excel files and
// maps named columns onto estimation inputs.
package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"gonum.org/v1/gonum/mat"

	"blpgo/internal/economy"
)

// Table is a header-indexed rectangular block of cells.
type Table struct {
	Path    string
	Columns []string
	Rows    [][]string

	index map[string]int
}

// ReadTable loads a table from path, dispatching on the file extension. CSV
// files must carry a header row; Excel files are read from their first sheet.
func ReadTable(path string) (*Table, error) {
	var (
		cells [][]string
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		cells, err = readCSV(path)
	case ".xlsx":
		cells, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("dataset: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(cells) < 2 {
		return nil, fmt.Errorf("dataset: %s has no data rows", path)
	}

	t := &Table{Path: path, Columns: cells[0], Rows: cells[1:], index: map[string]int{}}
	for i, name := range t.Columns {
		name = strings.TrimSpace(name)
		t.Columns[i] = name
		if _, dup := t.index[name]; dup {
			return nil, fmt.Errorf("dataset: %s: duplicate column %q", path, name)
		}
		t.index[name] = i
	}
	// short rows are padded so ragged Excel exports still line up
	for i, row := range t.Rows {
		for len(row) < len(t.Columns) {
			row = append(row, "")
		}
		t.Rows[i] = row
	}
	return t, nil
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	cells, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset: reading %s: %w", path, err)
	}
	return cells, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: opening %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("dataset: %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("dataset: reading sheet %q of %s: %w", sheets[0], path, err)
	}
	return rows, nil
}

// Len is the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

func (t *Table) column(name string) (int, error) {
	c, ok := t.index[name]
	if !ok {
		return 0, fmt.Errorf("dataset: %s has no column %q", t.Path, name)
	}
	return c, nil
}

// Strings returns a column of raw cells.
func (t *Table) Strings(name string) ([]string, error) {
	c, err := t.column(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = strings.TrimSpace(row[c])
	}
	return out, nil
}

// Floats parses a column of numbers.
func (t *Table) Floats(name string) ([]float64, error) {
	c, err := t.column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[c]), 64)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s row %d column %q: %w", t.Path, i+2, name, err)
		}
		out[i] = v
	}
	return out, nil
}

// Matrix stacks named numeric columns into a dense matrix. Nil names produce
// a nil matrix.
func (t *Table) Matrix(names []string) (*mat.Dense, error) {
	if len(names) == 0 {
		return nil, nil
	}
	m := mat.NewDense(len(t.Rows), len(names), nil)
	for j, name := range names {
		col, err := t.Floats(name)
		if err != nil {
			return nil, err
		}
		m.SetCol(j, col)
	}
	return m, nil
}

// ProductSchema names the product table columns. Optional identifiers are
// skipped when empty. The price column's position within X1 and X2 is located
// by name, so listing Prices among the characteristics marks it endogenous.
type ProductSchema struct {
	MarketID     string
	FirmID       string
	NestingID    string
	ClusteringID string
	Shares       string
	Prices       string

	X1 []string
	X2 []string
	X3 []string
	ZD []string
	ZS []string
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// Products maps a table onto estimation product data.
func Products(t *Table, s ProductSchema) (economy.Products, error) {
	var p economy.Products
	var err error

	if p.MarketIDs, err = t.Strings(s.MarketID); err != nil {
		return p, err
	}
	if p.Shares, err = t.Floats(s.Shares); err != nil {
		return p, err
	}
	if p.Prices, err = t.Floats(s.Prices); err != nil {
		return p, err
	}
	for _, opt := range []struct {
		name string
		dst  *[]string
	}{
		{s.FirmID, &p.FirmIDs},
		{s.NestingID, &p.NestingIDs},
		{s.ClusteringID, &p.ClusteringIDs},
	} {
		if opt.name == "" {
			continue
		}
		if *opt.dst, err = t.Strings(opt.name); err != nil {
			return p, err
		}
	}

	if p.X1, err = t.Matrix(s.X1); err != nil {
		return p, err
	}
	if p.X2, err = t.Matrix(s.X2); err != nil {
		return p, err
	}
	if p.X3, err = t.Matrix(s.X3); err != nil {
		return p, err
	}
	if p.ZD, err = t.Matrix(s.ZD); err != nil {
		return p, err
	}
	if p.ZS, err = t.Matrix(s.ZS); err != nil {
		return p, err
	}
	p.PriceColumnX1 = indexOf(s.X1, s.Prices)
	p.PriceColumnX2 = indexOf(s.X2, s.Prices)
	return p, nil
}

// AgentSchema names the agent table columns.
type AgentSchema struct {
	MarketID     string
	Weight       string
	Nodes        []string
	Demographics []string
}

// Agents maps a table onto estimation agent data.
func Agents(t *Table, s AgentSchema) (economy.Agents, error) {
	var a economy.Agents
	var err error

	if a.MarketIDs, err = t.Strings(s.MarketID); err != nil {
		return a, err
	}
	if a.Weights, err = t.Floats(s.Weight); err != nil {
		return a, err
	}
	if a.Nodes, err = t.Matrix(s.Nodes); err != nil {
		return a, err
	}
	if a.Demographics, err = t.Matrix(s.Demographics); err != nil {
		return a, err
	}
	return a, nil
}

// WriteCSV writes a header row and records to path, creating parent
// directories as needed.
func WriteCSV(path string, headers []string, records [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("dataset: creating directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("dataset: writing %s: %w", path, err)
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("dataset: writing %s: %w", path, err)
		}
	}
	w.Flush()
	return w.Error()
}
