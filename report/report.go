/*
Package report builds stock valuation reports.

PURPOSE:
  Values each kitchen's stock at weighted-average cost (on-hand x avg cost)
  and renders the result as an XLSX workbook: one sheet per kitchen plus a
  summary sheet with kitchen totals.

SEE ALSO:
  - stock/stock.go: Levels (the rows valued here)
*/
package report

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/stock-engine/catalog"
	"github.com/warp/stock-engine/ledger"
	"github.com/warp/stock-engine/stock"
)

// Row is one valued item.
type Row struct {
	Item     ledger.Item
	OnHand   decimal.Decimal
	AvgCost  decimal.Decimal
	Value    decimal.Decimal
	LowStock bool
}

// Valuation is the valued stock of one kitchen.
type Valuation struct {
	Kitchen ledger.Kitchen
	Rows    []Row
	Total   decimal.Decimal
}

type Reporter struct {
	Stock   *stock.Service
	Catalog catalog.Store
}

func New(st *stock.Service, cat catalog.Store) *Reporter {
	return &Reporter{Stock: st, Catalog: cat}
}

// Valuation values the stock of one kitchen.
func (r *Reporter) Valuation(ctx context.Context, kitchen ledger.KitchenID) (Valuation, error) {
	k, err := r.Catalog.Kitchen(ctx, kitchen)
	if err != nil {
		return Valuation{}, err
	}
	levels, err := r.Stock.Levels(ctx, kitchen, catalog.ItemFilter{})
	if err != nil {
		return Valuation{}, err
	}
	v := Valuation{Kitchen: k, Total: decimal.Zero}
	for _, l := range levels {
		value := l.Balance.Value().Round(2)
		v.Rows = append(v.Rows, Row{
			Item:     l.Item,
			OnHand:   l.Balance.OnHand,
			AvgCost:  l.Balance.AvgCost,
			Value:    value,
			LowStock: l.Low(),
		})
		v.Total = v.Total.Add(value)
	}
	return v, nil
}

// All values every kitchen, ordered by kitchen name.
func (r *Reporter) All(ctx context.Context) ([]Valuation, error) {
	kitchens, err := r.Catalog.Kitchens(ctx)
	if err != nil {
		return nil, ledger.Internalf(err, "list kitchens")
	}
	out := make([]Valuation, 0, len(kitchens))
	for _, k := range kitchens {
		v, err := r.Valuation(ctx, k.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// =============================================================================
// XLSX EXPORT
// =============================================================================

const summarySheet = "Summary"

var rowHeadings = []string{"Item", "Category", "UOM", "On Hand", "Avg Cost", "Value", "Low Stock"}

// WriteXLSX renders valuations as a workbook.
func WriteXLSX(w io.Writer, vals []Valuation) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	if err := setRow(f, summarySheet, 1, []any{"Kitchen", "Kind", "Items", "Total Value"}); err != nil {
		return err
	}
	grand := decimal.Zero
	for i, v := range vals {
		total, _ := v.Total.Float64()
		if err := setRow(f, summarySheet, i+2, []any{v.Kitchen.Name, string(v.Kitchen.Kind), len(v.Rows), total}); err != nil {
			return err
		}
		grand = grand.Add(v.Total)

		if err := writeKitchenSheet(f, sheetName(v.Kitchen, i), v); err != nil {
			return err
		}
	}
	g, _ := grand.Float64()
	if err := setRow(f, summarySheet, len(vals)+2, []any{"TOTAL", "", "", g}); err != nil {
		return err
	}

	return f.Write(w)
}

func writeKitchenSheet(f *excelize.File, name string, v Valuation) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	headings := make([]any, len(rowHeadings))
	for i, h := range rowHeadings {
		headings[i] = h
	}
	if err := setRow(f, name, 1, headings); err != nil {
		return err
	}
	for i, row := range v.Rows {
		onHand, _ := row.OnHand.Float64()
		avg, _ := row.AvgCost.Float64()
		value, _ := row.Value.Float64()
		low := ""
		if row.LowStock {
			low = "YES"
		}
		cells := []any{row.Item.Name, row.Item.Category, row.Item.UOM, onHand, avg, value, low}
		if err := setRow(f, name, i+2, cells); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

// sheetName returns a unique sheet title within excel's 31 character limit
// and without the characters excel forbids.
func sheetName(k ledger.Kitchen, i int) string {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, k.Name)
	name := []rune(fmt.Sprintf("%d-%s", i+1, clean))
	if len(name) > 31 {
		name = name[:31]
	}
	return string(name)
}
