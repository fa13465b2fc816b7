// Package importer turns broker holdings exports (xlsx or csv) into import rows.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/GooferByte/portfolio-ledger/internal/models"
)

// ErrParse is returned for files that cannot be read or have no header row.
var ErrParse = errors.New("parse error")

// headerScanRows bounds how far down the sheet the header row may be.
const headerScanRows = 30

var (
	nameHeaders     = []string{"stock name", "name", "instrument", "company", "company name", "security", "scrip"}
	isinHeaders     = []string{"isin", "isin code"}
	quantityHeaders = []string{"quantity", "qty", "quantity available", "available quantity", "shares", "units"}
	priceHeaders    = []string{"average price", "avg price", "avg. price", "avg. cost", "average cost", "buy price", "avg buy price"}
)

// Result is the outcome of parsing one file.
type Result struct {
	Rows        []models.ImportRow
	SkippedRows int
}

// Parser reads holdings spreadsheets.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse reads data as xlsx when fileName ends in .xlsx/.xlsm and as csv otherwise.
func (p *Parser) Parse(fileName string, data []byte) (Result, error) {
	var rows [][]string
	var err error
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(data)
	default:
		rows, err = readCSV(data)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return parseRows(rows)
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func readCSV(data []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, rec)
	}
}

type columns struct {
	name, isin, quantity, price int
}

func parseRows(rows [][]string) (Result, error) {
	headerIdx := -1
	var cols columns
	for i := 0; i < len(rows) && i < headerScanRows; i++ {
		if c, ok := detectHeader(rows[i]); ok {
			headerIdx, cols = i, c
			break
		}
	}
	if headerIdx < 0 {
		return Result{}, fmt.Errorf("%w: no header row with ISIN and quantity columns", ErrParse)
	}

	res := Result{Rows: []models.ImportRow{}}
	for _, rec := range rows[headerIdx+1:] {
		isin := strings.ToUpper(strings.TrimSpace(cell(rec, cols.isin)))
		if isin == "" {
			continue
		}
		qty, err := parseQuantity(cell(rec, cols.quantity))
		if err != nil {
			res.SkippedRows++
			continue
		}
		price := decimal.Zero
		if cols.price >= 0 {
			price, err = parseDecimal(cell(rec, cols.price))
			if err != nil || price.IsNegative() {
				res.SkippedRows++
				continue
			}
		}
		res.Rows = append(res.Rows, models.ImportRow{
			StockName:       strings.TrimSpace(cell(rec, cols.name)),
			ISIN:            isin,
			Quantity:        qty,
			AverageBuyPrice: price,
		})
	}
	return res, nil
}

func detectHeader(rec []string) (columns, bool) {
	c := columns{name: -1, isin: -1, quantity: -1, price: -1}
	for i, raw := range rec {
		h := strings.ToLower(strings.Join(strings.Fields(raw), " "))
		switch {
		case c.isin < 0 && matches(h, isinHeaders):
			c.isin = i
		case c.quantity < 0 && matches(h, quantityHeaders):
			c.quantity = i
		case c.price < 0 && matches(h, priceHeaders):
			c.price = i
		case c.name < 0 && matches(h, nameHeaders):
			c.name = i
		}
	}
	return c, c.isin >= 0 && c.quantity >= 0
}

func matches(h string, candidates []string) bool {
	for _, c := range candidates {
		if h == c {
			return true
		}
	}
	return false
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return rec[idx]
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return decimal.Zero, errors.New("empty number")
	}
	return decimal.NewFromString(s)
}

// parseQuantity accepts whole numbers, including forms like "10.0".
func parseQuantity(s string) (int64, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("quantity %q is not a whole non-negative number", s)
	}
	return d.IntPart(), nil
}
