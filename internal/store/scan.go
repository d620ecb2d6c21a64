package store

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/pricing"
)

//go:embed schema/*.sql
var schemaFS embed.FS

func schema(name string) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + name + ".sql")
	if err != nil {
		return "", fmt.Errorf("read %s schema: %w", name, err)
	}
	return string(b), nil
}

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
// Both SQL backends select monetary columns as text, so the scanners below
// are shared.
type rowScanner interface {
	Scan(dest ...any) error
}

// decimals parses text columns, remembering the first failure.
type decimals struct{ err error }

func (d *decimals) parse(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return v
}

func scanCompany(row rowScanner) (*model.Company, error) {
	var c model.Company
	var share, closing, previous, change, volume, value string
	if err := row.Scan(&c.ID, &c.Symbol, &c.Name,
		&share, &closing, &previous, &change,
		&c.AvailableShares, &c.TotalShares, &volume, &value,
		&c.SnapshotDate, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	var d decimals
	c.SharePrice = d.parse("share_price", share)
	c.ClosingPrice = d.parse("closing_price", closing)
	c.PreviousClosingPrice = d.parse("previous_closing_price", previous)
	c.PriceChange = d.parse("price_change", change)
	c.TradedVolume = d.parse("traded_volume", volume)
	c.TradedValue = d.parse("traded_value", value)
	return &c, d.err
}

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var balance, locked string
	if err := row.Scan(&w.UserID, &balance, &locked, &w.Currency, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var d decimals
	w.Balance = d.parse("balance", balance)
	w.LockedBalance = d.parse("locked_balance", locked)
	return &w, d.err
}

// scanPosition reads a position row. When marked is true the row carries the
// instrument's closing and share price as two trailing columns and the
// position is marked to its reference price.
func scanPosition(row rowScanner, marked bool) (*model.Position, error) {
	var p model.Position
	var avg, invested, closing, share string
	dest := []any{&p.UserID, &p.CompanyID, &p.Symbol, &p.Quantity,
		&avg, &invested, &p.CreatedAt, &p.UpdatedAt}
	if marked {
		dest = append(dest, &closing, &share)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	var d decimals
	p.AverageBuyPrice = d.parse("average_buy_price", avg)
	p.TotalInvested = d.parse("total_invested", invested)
	if marked && d.err == nil {
		price, err := pricing.Resolve(p.Symbol, d.parse("closing_price", closing), d.parse("share_price", share))
		if err == nil {
			p.Mark(price)
		}
	}
	return &p, d.err
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var requested, executed, total, fees string
	if err := row.Scan(&t.ID, &t.UserID, &t.CompanyID, &t.Symbol,
		&t.Type, &t.Status, &t.PriceType,
		&t.Quantity, &requested, &executed, &t.ExecutedQuantity, &total, &fees,
		&t.IdempotencyKey, &t.ExecutedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	var d decimals
	t.RequestedPrice = d.parse("requested_price", requested)
	t.ExecutedPrice = d.parse("executed_price", executed)
	t.TotalAmount = d.parse("total_amount", total)
	t.Fees = d.parse("fees", fees)
	return &t, d.err
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var amount, metadata string
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.Status,
		&t.Reference, &t.Description, &metadata, &t.CreatedAt); err != nil {
		return nil, err
	}
	var d decimals
	t.Amount = d.parse("amount", amount)
	if metadata != "" {
		t.Metadata = json.RawMessage(metadata)
	}
	return &t, d.err
}

func scanNotification(row rowScanner) (*model.Notification, error) {
	var n model.Notification
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &n.CreatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

// nullString maps "" to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
