package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/kayigireerneste/broker-sub000/internal/model"
	"github.com/kayigireerneste/broker-sub000/internal/ticker"
)

// Fixtures is the YAML seed format:
//
//	companies:
//	  - symbol: ACME
//	    name: Acme Ltd
//	    closing_price: "50"
//	    total_shares: 100000
//	wallets:
//	  - user_id: user-1
//	    balance: "10000"
type Fixtures struct {
	Companies []CompanyFixture `yaml:"companies"`
	Wallets   []WalletFixture  `yaml:"wallets"`
}

// CompanyFixture seeds one instrument. AvailableShares defaults to
// TotalShares.
type CompanyFixture struct {
	Symbol          string `yaml:"symbol"`
	Name            string `yaml:"name"`
	SharePrice      string `yaml:"share_price"`
	ClosingPrice    string `yaml:"closing_price"`
	TotalShares     int64  `yaml:"total_shares"`
	AvailableShares *int64 `yaml:"available_shares"`
}

// WalletFixture seeds one wallet.
type WalletFixture struct {
	UserID   string `yaml:"user_id"`
	Balance  string `yaml:"balance"`
	Currency string `yaml:"currency"`
}

// LoadFixtures reads a fixture file and creates every row that does not
// exist yet. Existing rows are left untouched, so loading is repeatable.
// It returns the number of rows created.
func LoadFixtures(ctx context.Context, st Store, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read fixtures: %w", err)
	}
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return 0, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return fx.Apply(ctx, st, time.Now().UTC())
}

// Apply creates the fixture rows in st.
func (fx Fixtures) Apply(ctx context.Context, st Store, now time.Time) (int, error) {
	created := 0
	for _, cf := range fx.Companies {
		c, err := cf.company(now)
		if err != nil {
			return created, err
		}
		switch err := st.CreateCompany(ctx, c); {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicate):
		default:
			return created, err
		}
	}
	for _, wf := range fx.Wallets {
		w, err := wf.wallet(now)
		if err != nil {
			return created, err
		}
		switch err := st.CreateWallet(ctx, w); {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicate):
		default:
			return created, err
		}
	}
	return created, nil
}

func (cf CompanyFixture) company(now time.Time) (*model.Company, error) {
	symbol, err := ticker.Parse(cf.Symbol)
	if err != nil {
		return nil, err
	}
	share, err := optionalDecimal(cf.SharePrice)
	if err != nil {
		return nil, fmt.Errorf("fixture %s share_price: %w", symbol, err)
	}
	closing, err := optionalDecimal(cf.ClosingPrice)
	if err != nil {
		return nil, fmt.Errorf("fixture %s closing_price: %w", symbol, err)
	}
	available := cf.TotalShares
	if cf.AvailableShares != nil {
		available = *cf.AvailableShares
	}
	name := cf.Name
	if name == "" {
		name = symbol
	}
	c := &model.Company{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		Name:            name,
		SharePrice:      share,
		ClosingPrice:    closing,
		AvailableShares: available,
		TotalShares:     cf.TotalShares,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.CheckInventory(); err != nil {
		return nil, err
	}
	return c, nil
}

func (wf WalletFixture) wallet(now time.Time) (*model.Wallet, error) {
	if wf.UserID == "" {
		return nil, errors.New("wallet fixture without user_id")
	}
	balance, err := optionalDecimal(wf.Balance)
	if err != nil {
		return nil, fmt.Errorf("fixture wallet %s balance: %w", wf.UserID, err)
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("fixture wallet %s: negative balance", wf.UserID)
	}
	currency := wf.Currency
	if currency == "" {
		currency = "RWF"
	}
	return &model.Wallet{UserID: wf.UserID, Balance: balance, Currency: currency, UpdatedAt: now}, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
