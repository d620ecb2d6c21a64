package trade

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/ticker"
)

// Statement sheet names.
const (
	StatementTradesSheet  = "Trades"
	StatementSummarySheet = "Summary"
)

// StatementContentType is the MIME type of a statement workbook.
const StatementContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var statementHeader = []any{
	"Trade ID", "Reference", "Executed At", "Symbol", "Type", "Status",
	"Quantity", "Price", "Total", "Fees",
}

// WriteStatement renders a user's trades as an xlsx workbook: one row per
// trade on the Trades sheet and the totals on the Summary sheet. Amounts
// are written as numbers for spreadsheet use; the ledger stays
// authoritative.
func WriteStatement(w io.Writer, userID string, trades []model.Trade, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), StatementTradesSheet); err != nil {
		return fmt.Errorf("name trades sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return fmt.Errorf("create money style: %w", err)
	}

	if err := f.SetSheetRow(StatementTradesSheet, "A1", &statementHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.SetRowStyle(StatementTradesSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	var (
		shares int64
		spent  = decimal.Zero
		fees   = decimal.Zero
	)
	for i, t := range trades {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			t.ID,
			ticker.TradeReference(t.ID),
			t.ExecutedAt.UTC().Format(time.RFC3339),
			t.Symbol,
			t.Type,
			t.Status,
			t.ExecutedQuantity,
			t.ExecutedPrice.InexactFloat64(),
			t.TotalAmount.InexactFloat64(),
			t.Fees.InexactFloat64(),
		}
		if err := f.SetSheetRow(StatementTradesSheet, cell, &row); err != nil {
			return fmt.Errorf("write trade %s: %w", t.ID, err)
		}
		if t.Status == model.TradeExecuted {
			shares += t.ExecutedQuantity
			spent = spent.Add(t.TotalAmount)
			fees = fees.Add(t.Fees)
		}
	}
	if len(trades) > 0 {
		last := fmt.Sprintf("J%d", len(trades)+1)
		if err := f.SetCellStyle(StatementTradesSheet, "H2", last, money); err != nil {
			return fmt.Errorf("style amounts: %w", err)
		}
	}
	if err := f.SetColWidth(StatementTradesSheet, "A", "B", 40); err != nil {
		return err
	}
	if err := f.SetColWidth(StatementTradesSheet, "C", "C", 22); err != nil {
		return err
	}

	if _, err := f.NewSheet(StatementSummarySheet); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	summary := [][]any{
		{"User", userID},
		{"Generated At", generatedAt.UTC().Format(time.RFC3339)},
		{"Trades", len(trades)},
		{"Shares Bought", shares},
		{"Total Spent", spent.InexactFloat64()},
		{"Total Fees", fees.InexactFloat64()},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(StatementSummarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if err := f.SetColStyle(StatementSummarySheet, "A", bold); err != nil {
		return err
	}
	if err := f.SetColWidth(StatementSummarySheet, "A", "B", 24); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
