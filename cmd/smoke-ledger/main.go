// Command smoke-ledger books a few transactions against the configured store
// and checks the materialized balances, then rebuilds and compares.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"haulledger.org/internal/config"
	"haulledger.org/internal/ids"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/materializer"
	"haulledger.org/internal/obs"
	"haulledger.org/internal/rebuild"
	"haulledger.org/internal/store"
)

const fy = "2425"

type smoke struct {
	store  ledger.Store
	m      *materializer.Materializer
	engine *rebuild.Engine
	org    string
	log    *logrus.Entry
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := store.Open(ctx, cfg)
	if err != nil {
		obs.Logger().WithError(err).Fatal("open store")
	}
	defer s.Close()

	run := ids.New()
	sm := &smoke{
		store:  s,
		m:      materializer.New(s),
		engine: rebuild.New(s),
		org:    "smoke-" + run,
		log:    obs.Logger().WithFields(logrus.Fields{"module": "smoke", "run": run}),
	}

	client := "client-" + run
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"incremental receivable", func(ctx context.Context) error { return sm.scenarioA(ctx, client) }},
		{"rebuild matches incremental", func(ctx context.Context) error { return sm.scenarioB(ctx, client) }},
		{"expense sign convention", sm.scenarioC},
	}
	failed := false
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			sm.log.WithError(err).WithField("scenario", step.name).Error("FAIL")
			failed = true
			continue
		}
		sm.log.WithField("scenario", step.name).Info("ok")
	}
	if failed {
		os.Exit(1)
	}
}

func (s *smoke) tx(kind ledger.Kind, entity string, entry ledger.EntryType, amount int64, day int) ledger.Transaction {
	return ledger.Transaction{
		ID:             ids.New(),
		OrganizationID: s.org,
		EntityID:       entity,
		Kind:           kind,
		Entry:          entry,
		Amount:         decimal.NewFromInt(amount),
		Category:       "smoke",
		FinancialYear:  fy,
		Date:           time.Date(2024, 6, day, 9, 0, 0, 0, time.UTC),
	}
}

// apply writes t to the log and materializes it, like an upstream workflow
// followed by its created event.
func (s *smoke) apply(ctx context.Context, t ledger.Transaction) (materializer.Result, error) {
	stored, err := s.store.InsertTransaction(ctx, t)
	if err != nil {
		return materializer.Result{}, fmt.Errorf("insert %s: %w", t.ID, err)
	}
	return s.m.Apply(ctx, stored)
}

func (s *smoke) reverse(ctx context.Context, t ledger.Transaction) (materializer.Result, error) {
	deleted, err := s.store.DeleteTransaction(ctx, t.ID)
	if err != nil {
		return materializer.Result{}, fmt.Errorf("delete %s: %w", t.ID, err)
	}
	return s.m.Reverse(ctx, deleted)
}

func expect(what string, got, want decimal.Decimal) error {
	if !got.Equal(want) {
		return fmt.Errorf("%s = %s, want %s", what, got, want)
	}
	return nil
}

func (s *smoke) scenarioA(ctx context.Context, client string) error {
	credit := s.tx(ledger.KindReceivable, client, ledger.Credit, 1000, 2)
	res, err := s.apply(ctx, credit)
	if err != nil {
		return err
	}
	if err := expect("balance after credit", res.BalanceAfter, decimal.NewFromInt(1000)); err != nil {
		return err
	}
	if err := expect("totalReceivables", res.Account.Totals.Receivables, decimal.NewFromInt(1000)); err != nil {
		return err
	}

	debit := s.tx(ledger.KindReceivable, client, ledger.Debit, 400, 5)
	if res, err = s.apply(ctx, debit); err != nil {
		return err
	}
	if err := expect("balance after debit", res.BalanceAfter, decimal.NewFromInt(600)); err != nil {
		return err
	}

	if res, err = s.reverse(ctx, debit); err != nil {
		return err
	}
	return expect("balance after reversing the debit", res.BalanceAfter, decimal.NewFromInt(1000))
}

func (s *smoke) scenarioB(ctx context.Context, client string) error {
	key := ledger.AccountKey{Kind: ledger.KindReceivable, EntityID: client, FinancialYear: fy}
	before, err := s.store.GetAccount(ctx, key)
	if err != nil {
		return err
	}
	res, err := s.engine.RebuildLedger(ctx, key, s.org, rebuild.Options{})
	if err != nil {
		return err
	}
	if err := expect("rebuilt balance", res.NewBalance, before.CurrentBalance); err != nil {
		return err
	}
	if res.TransactionCount != 1 || before.TransactionCount != 1 {
		return fmt.Errorf("transactionCount rebuilt=%d incremental=%d, want 1", res.TransactionCount, before.TransactionCount)
	}
	return nil
}

func (s *smoke) scenarioC(ctx context.Context) error {
	entity := s.org
	res, err := s.apply(ctx, s.tx(ledger.KindExpense, entity, ledger.Debit, 500, 3))
	if err != nil {
		return err
	}
	if err := expect("expense balance", res.BalanceAfter, decimal.NewFromInt(500)); err != nil {
		return err
	}
	res, err = s.apply(ctx, s.tx(ledger.KindExpense, entity, ledger.Credit, 200, 4))
	if err != nil {
		return err
	}
	return expect("balance after refund", res.BalanceAfter, decimal.NewFromInt(300))
}
