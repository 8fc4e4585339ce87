package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"haulledger.org/internal/ids"
	"haulledger.org/internal/ledger"
)

const maxAttempts = 5

// Store keeps the log and the derived documents in Postgres. Documents are
// stored whole in jsonb columns next to the columns used for filtering.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an open handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// RunInTx runs fn in a serializable transaction and retries it when Postgres
// reports a serialization conflict.
func (s *Store) RunInTx(ctx context.Context, fn ledger.TxFunc) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
}

func (s *Store) runOnce(ctx context.Context, fn ledger.TxFunc) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, ledger.Phased(&pgTx{tx: tx, now: s.now})); err != nil {
		return err
	}
	return tx.Commit()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func readDoc(ctx context.Context, q execer, table, id string, forUpdate bool, out any) (bool, error) {
	query := fmt.Sprintf(`select doc from %s where id = $1`, table)
	if forUpdate {
		query += ` for update`
	}
	var raw []byte
	err := q.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return true, nil
}

func (t *pgTx) Account(ctx context.Context, key ledger.AccountKey) (ledger.LedgerAccount, bool, error) {
	var a ledger.LedgerAccount
	ok, err := readDoc(ctx, t.tx, "ledger_accounts", key.ID(), true, &a)
	return a, ok, err
}

func (t *pgTx) Bucket(ctx context.Context, key ledger.BucketKey) (ledger.MonthlyBucket, bool, error) {
	var b ledger.MonthlyBucket
	ok, err := readDoc(ctx, t.tx, "monthly_buckets", key.ID(), true, &b)
	return b, ok, err
}

func (t *pgTx) Attendance(ctx context.Context, key ledger.AttendanceKey) (ledger.AttendanceBucket, bool, error) {
	var b ledger.AttendanceBucket
	ok, err := readDoc(ctx, t.tx, "attendance_buckets", key.ID(), true, &b)
	return b, ok, err
}

func (t *pgTx) Analytics(ctx context.Context, key ledger.AnalyticsKey) (ledger.AnalyticsDocument, bool, error) {
	var d ledger.AnalyticsDocument
	ok, err := readDoc(ctx, t.tx, "analytics_documents", key.ID(), true, &d)
	return d, ok, err
}

func (t *pgTx) PutAccount(ctx context.Context, a ledger.LedgerAccount) error {
	return putAccount(ctx, t.tx, a)
}

func (t *pgTx) PutBucket(ctx context.Context, b ledger.MonthlyBucket) error {
	return putBucket(ctx, t.tx, b)
}

func (t *pgTx) DeleteBucket(ctx context.Context, key ledger.BucketKey) error {
	_, err := t.tx.ExecContext(ctx, `delete from monthly_buckets where id = $1`, key.ID())
	return err
}

func (t *pgTx) PutAttendance(ctx context.Context, b ledger.AttendanceBucket) error {
	return putAttendance(ctx, t.tx, b)
}

func (t *pgTx) DeleteAttendance(ctx context.Context, key ledger.AttendanceKey) error {
	_, err := t.tx.ExecContext(ctx, `delete from attendance_buckets where id = $1`, key.ID())
	return err
}

func (t *pgTx) PutAnalytics(ctx context.Context, d ledger.AnalyticsDocument) error {
	return putAnalytics(ctx, t.tx, d)
}

func (t *pgTx) StampTransaction(ctx context.Context, id string, before, after decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `
		update transactions set balance_before = $2, balance_after = $3
		where id = $1
	`, id, before.String(), after.String())
	return err
}

func putAccount(ctx context.Context, q execer, a ledger.LedgerAccount) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		insert into ledger_accounts(id, organization_id, ledger_kind, entity_id, financial_year, doc, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update
		set organization_id = excluded.organization_id, doc = excluded.doc, updated_at = excluded.updated_at
	`, a.ID(), a.OrganizationID, a.Kind.String(), a.EntityID, a.FinancialYear, raw, a.UpdatedAt)
	return err
}

func putBucket(ctx context.Context, q execer, b ledger.MonthlyBucket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		insert into monthly_buckets(id, account_id, organization_id, financial_year, month, doc, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update
		set doc = excluded.doc, updated_at = excluded.updated_at
	`, b.Key().ID(), b.AccountKey.ID(), b.OrganizationID, b.FinancialYear, b.Month, raw, b.UpdatedAt)
	return err
}

func putAttendance(ctx context.Context, q execer, b ledger.AttendanceBucket) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		insert into attendance_buckets(id, employee_id, organization_id, financial_year, month, doc, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update
		set doc = excluded.doc, updated_at = excluded.updated_at
	`, b.ID(), b.EmployeeID, b.OrganizationID, b.FinancialYear, b.Month, raw, b.UpdatedAt)
	return err
}

func putAnalytics(ctx context.Context, q execer, d ledger.AnalyticsDocument) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		insert into analytics_documents(id, organization_id, financial_year, doc, updated_at)
		values ($1,$2,$3,$4,$5)
		on conflict (id) do update
		set doc = excluded.doc, updated_at = excluded.updated_at
	`, d.ID(), d.OrganizationID, d.FinancialYear, raw, d.UpdatedAt)
	return err
}

func (s *Store) InsertTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	if t.ID == "" {
		t.ID = ids.New()
	}
	t, err := ledger.Prepare(t, s.now())
	if err != nil {
		return ledger.Transaction{}, err
	}
	doc := t.Clone()
	doc.BalanceBefore, doc.BalanceAfter = nil, nil
	raw, err := json.Marshal(doc)
	if err != nil {
		return ledger.Transaction{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		insert into transactions(id, organization_id, entity_id, ledger_kind, entry_type, financial_year,
			transaction_date, amount, doc, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (id) do nothing
	`, t.ID, t.OrganizationID, t.EntityID, t.Kind.String(), t.Entry.String(), t.FinancialYear,
		t.Date, t.Amount.String(), raw, t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction %s already exists", ledger.ErrConflict, t.ID)
	}
	return t, nil
}

const txColumns = `doc, balance_before::text, balance_after::text`

func scanTransaction(scan func(dest ...any) error) (ledger.Transaction, error) {
	var (
		raw           []byte
		before, after sql.NullString
		t             ledger.Transaction
	)
	if err := scan(&raw, &before, &after); err != nil {
		return ledger.Transaction{}, err
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return ledger.Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	if before.Valid && after.Valid {
		b, err := decimal.NewFromString(before.String)
		if err != nil {
			return ledger.Transaction{}, err
		}
		a, err := decimal.NewFromString(after.String)
		if err != nil {
			return ledger.Transaction{}, err
		}
		t.BalanceBefore, t.BalanceAfter = &b, &a
	}
	return t, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `delete from transactions where id = $1 returning `+txColumns, id)
	t, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `select `+txColumns+` from transactions where id = $1`, id)
	t, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, err
}

// where builds a conjunction of filters with numbered placeholders.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(column string, v string) {
	if v == "" {
		return
	}
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) gt(column string, v string) {
	if v == "" {
		return
	}
	w.args = append(w.args, v)
	w.conds = append(w.conds, fmt.Sprintf("%s > $%d", column, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

func (s *Store) ScanTransactions(ctx context.Context, f ledger.TransactionFilter, after string, limit int) ([]ledger.Transaction, string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var w where
	w.eq("organization_id", f.OrganizationID)
	w.eq("financial_year", f.FinancialYear)
	if f.Kind.Valid() {
		w.eq("ledger_kind", f.Kind.String())
	}
	w.eq("entity_id", f.EntityID)
	w.gt("id", after)
	args := append(w.args, limit)
	query := fmt.Sprintf(`select %s from transactions%s order by id asc limit $%d`, txColumns, w.String(), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var res []ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, "", err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) == limit {
		next = res[len(res)-1].ID
	}
	return res, next, nil
}

func (s *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.LedgerAccount, error) {
	var a ledger.LedgerAccount
	ok, err := readDoc(ctx, s.db, "ledger_accounts", key.ID(), false, &a)
	if err != nil {
		return ledger.LedgerAccount{}, err
	}
	if !ok {
		return ledger.LedgerAccount{}, ledger.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAnalytics(ctx context.Context, key ledger.AnalyticsKey) (ledger.AnalyticsDocument, error) {
	var d ledger.AnalyticsDocument
	ok, err := readDoc(ctx, s.db, "analytics_documents", key.ID(), false, &d)
	if err != nil {
		return ledger.AnalyticsDocument{}, err
	}
	if !ok {
		return ledger.AnalyticsDocument{}, ledger.ErrNotFound
	}
	return d, nil
}

// listDocs decodes every doc of table matching w, ordered by id.
func listDocs[T any](ctx context.Context, db *sql.DB, table string, w *where) ([]T, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`select doc from %s%s order by id asc`, table, w.String()), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListAccounts(ctx context.Context, f ledger.DocFilter) ([]ledger.LedgerAccount, error) {
	var w where
	w.eq("organization_id", f.OrganizationID)
	w.eq("financial_year", f.FinancialYear)
	if f.Account != nil {
		w.eq("id", f.Account.ID())
	}
	return listDocs[ledger.LedgerAccount](ctx, s.db, "ledger_accounts", &w)
}

func (s *Store) ListBuckets(ctx context.Context, f ledger.DocFilter) ([]ledger.MonthlyBucket, error) {
	var w where
	w.eq("organization_id", f.OrganizationID)
	w.eq("financial_year", f.FinancialYear)
	if f.Account != nil {
		w.eq("account_id", f.Account.ID())
	}
	return listDocs[ledger.MonthlyBucket](ctx, s.db, "monthly_buckets", &w)
}

func (s *Store) ListAttendance(ctx context.Context, f ledger.DocFilter) ([]ledger.AttendanceBucket, error) {
	var w where
	w.eq("organization_id", f.OrganizationID)
	w.eq("financial_year", f.FinancialYear)
	w.eq("employee_id", f.EmployeeID)
	return listDocs[ledger.AttendanceBucket](ctx, s.db, "attendance_buckets", &w)
}

func (s *Store) ListOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select organization_id from transactions
		union
		select organization_id from ledger_accounts
		order by 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

// Commit writes the batch in one read-committed transaction.
func (s *Store) Commit(ctx context.Context, b *ledger.Batch) error {
	if err := b.Check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range b.Ops {
		switch op.Kind {
		case ledger.OpPutAccount:
			err = putAccount(ctx, tx, *op.Account)
		case ledger.OpPutBucket:
			err = putBucket(ctx, tx, *op.Bucket)
		case ledger.OpDeleteBucket:
			_, err = tx.ExecContext(ctx, `delete from monthly_buckets where id = $1`, op.BucketKey.ID())
		case ledger.OpPutAttendance:
			err = putAttendance(ctx, tx, *op.Attendance)
		case ledger.OpDeleteAttendance:
			_, err = tx.ExecContext(ctx, `delete from attendance_buckets where id = $1`, op.AttendanceKey.ID())
		case ledger.OpPutAnalytics:
			err = putAnalytics(ctx, tx, *op.Analytics)
		default:
			err = fmt.Errorf("pg: unknown batch op %d", op.Kind)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MirrorBalance updates the profile unless it already mirrors a later year.
func (s *Store) MirrorBalance(ctx context.Context, ref ledger.EntityRef, fy string, balance decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		select balance_fy from entity_profiles where collection = $1 and id = $2 for update
	`, ref.Kind.ProfileCollection(), ref.EntityID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != "" && ledger.CompareFY(fy, current) < 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		update entity_profiles set current_balance = $3, balance_fy = $4, updated_at = $5
		where collection = $1 and id = $2
	`, ref.Kind.ProfileCollection(), ref.EntityID, balance.String(), fy, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}
