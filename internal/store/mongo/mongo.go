// Package mongo stores the log and the derived documents in MongoDB.
// Documents are written in their JSON shape so the two backends share one
// encoding; multi-document units run in a session transaction.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"haulledger.org/internal/ids"
	"haulledger.org/internal/ledger"
	"haulledger.org/internal/obs"
)

const (
	TransactionsCollection = "transactions"
	AccountsCollection     = "ledger_accounts"
	BucketsCollection      = "monthly_buckets"
	AttendanceCollection   = "attendance_buckets"
	AnalyticsCollection    = "analytics"
)

// Collection is the set of collection operations the store uses. Reads
// return raw documents; a missing document is mongo.ErrNoDocuments.
type Collection interface {
	FindOne(ctx context.Context, filter bson.D) (bson.Raw, error)
	Find(ctx context.Context, filter bson.D, opts ...*options.FindOptions) ([]bson.Raw, error)
	FindOneAndDelete(ctx context.Context, filter bson.D) (bson.Raw, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*driver.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*driver.UpdateResult, error)
	UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*driver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*driver.DeleteResult, error)
	Distinct(ctx context.Context, fieldName string, filter any, opts ...*options.DistinctOptions) ([]any, error)
	BulkWrite(ctx context.Context, models []driver.WriteModel, opts ...*options.BulkWriteOptions) (*driver.BulkWriteResult, error)
}

// CollectionProvider hands out collections by name.
type CollectionProvider interface {
	Collection(name string) Collection
}

// MongoCollection adapts *mongo.Collection to Collection.
type MongoCollection struct {
	*driver.Collection
}

func (c MongoCollection) FindOne(ctx context.Context, filter bson.D) (bson.Raw, error) {
	return c.Collection.FindOne(ctx, filter).Raw()
}

func (c MongoCollection) FindOneAndDelete(ctx context.Context, filter bson.D) (bson.Raw, error) {
	return c.Collection.FindOneAndDelete(ctx, filter).Raw()
}

func (c MongoCollection) Find(ctx context.Context, filter bson.D, opts ...*options.FindOptions) ([]bson.Raw, error) {
	cur, err := c.Collection.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to perform Find: %w", err)
	}
	defer cur.Close(ctx)
	var out []bson.Raw
	for cur.Next(ctx) {
		out = append(out, append(bson.Raw(nil), cur.Current...))
	}
	return out, cur.Err()
}

type databaseProvider struct {
	db *driver.Database
}

func (p databaseProvider) Collection(name string) Collection {
	return MongoCollection{p.db.Collection(name)}
}

// TxRunner runs fn so that every collection call made with the context it
// receives commits or aborts together.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Store implements ledger.Store on MongoDB.
type Store struct {
	client   *driver.Client
	provider CollectionProvider
	runTx    TxRunner
	now      func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// Connect dials uri, pings the deployment and returns a store on database.
// Transactions require a replica set or a sharded cluster.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	obs.Logger().WithFields(logrus.Fields{"module": "mongo", "database": database}).Debug("connecting to MongoDB")

	client, err := driver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	obs.Logger().WithField("module", "mongo").Info("connected to MongoDB")
	s := New(databaseProvider{db: client.Database(database)}, SessionRunner(client))
	s.client = client
	return s, nil
}

// New builds a store over provider. runTx defaults to running fn directly,
// which is only safe against a single-writer deployment.
func New(provider CollectionProvider, runTx TxRunner) *Store {
	if runTx == nil {
		runTx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
	return &Store{
		provider: provider,
		runTx:    runTx,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SessionRunner runs each unit in a snapshot transaction. The driver retries
// units that fail with a transient transaction error, such as a write conflict.
func SessionRunner(client *driver.Client) TxRunner {
	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		sess, err := client.StartSession()
		if err != nil {
			return err
		}
		defer sess.EndSession(ctx)
		_, err = sess.WithTransaction(ctx, func(sc driver.SessionContext) (any, error) {
			return nil, fn(sc)
		}, txOpts)
		return err
	}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) Collection { return s.provider.Collection(name) }

func byID(id string) bson.D { return bson.D{{Key: "_id", Value: id}} }

// encode converts v to a BSON document through its JSON form and sets _id.
func encode(id string, v any) (bson.D, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	return append(bson.D{{Key: "_id", Value: id}}, doc...), nil
}

func decode(raw bson.Raw, out any) error {
	js, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return err
	}
	return json.Unmarshal(js, out)
}

func findOne(ctx context.Context, c Collection, id string, out any) (bool, error) {
	raw, err := c.FindOne(ctx, byID(id))
	if errors.Is(err, driver.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, decode(raw, out)
}

func findAll[T any](ctx context.Context, c Collection, filter bson.D, opts ...*options.FindOptions) ([]T, error) {
	docs, err := c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, raw := range docs {
		var v T
		if err := decode(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func replace(ctx context.Context, c Collection, id string, v any) error {
	doc, err := encode(id, v)
	if err != nil {
		return err
	}
	_, err = c.ReplaceOne(ctx, byID(id), doc, options.Replace().SetUpsert(true))
	return err
}

func deleteOne(ctx context.Context, c Collection, id string) error {
	_, err := c.DeleteOne(ctx, byID(id))
	return err
}

type mongoTx struct {
	s *Store
}

func (t mongoTx) Account(ctx context.Context, key ledger.AccountKey) (ledger.LedgerAccount, bool, error) {
	var a ledger.LedgerAccount
	ok, err := findOne(ctx, t.s.col(AccountsCollection), key.ID(), &a)
	return a, ok, err
}

func (t mongoTx) Bucket(ctx context.Context, key ledger.BucketKey) (ledger.MonthlyBucket, bool, error) {
	var b ledger.MonthlyBucket
	ok, err := findOne(ctx, t.s.col(BucketsCollection), key.ID(), &b)
	return b, ok, err
}

func (t mongoTx) Attendance(ctx context.Context, key ledger.AttendanceKey) (ledger.AttendanceBucket, bool, error) {
	var b ledger.AttendanceBucket
	ok, err := findOne(ctx, t.s.col(AttendanceCollection), key.ID(), &b)
	return b, ok, err
}

func (t mongoTx) Analytics(ctx context.Context, key ledger.AnalyticsKey) (ledger.AnalyticsDocument, bool, error) {
	var d ledger.AnalyticsDocument
	ok, err := findOne(ctx, t.s.col(AnalyticsCollection), key.ID(), &d)
	return d, ok, err
}

func (t mongoTx) PutAccount(ctx context.Context, a ledger.LedgerAccount) error {
	return replace(ctx, t.s.col(AccountsCollection), a.ID(), a)
}

func (t mongoTx) PutBucket(ctx context.Context, b ledger.MonthlyBucket) error {
	return replace(ctx, t.s.col(BucketsCollection), b.Key().ID(), b)
}

func (t mongoTx) DeleteBucket(ctx context.Context, key ledger.BucketKey) error {
	return deleteOne(ctx, t.s.col(BucketsCollection), key.ID())
}

func (t mongoTx) PutAttendance(ctx context.Context, b ledger.AttendanceBucket) error {
	return replace(ctx, t.s.col(AttendanceCollection), b.ID(), b)
}

func (t mongoTx) DeleteAttendance(ctx context.Context, key ledger.AttendanceKey) error {
	return deleteOne(ctx, t.s.col(AttendanceCollection), key.ID())
}

func (t mongoTx) PutAnalytics(ctx context.Context, d ledger.AnalyticsDocument) error {
	return replace(ctx, t.s.col(AnalyticsCollection), d.ID(), d)
}

func (t mongoTx) StampTransaction(ctx context.Context, id string, before, after decimal.Decimal) error {
	_, err := t.s.col(TransactionsCollection).UpdateOne(ctx, byID(id), bson.D{{Key: "$set", Value: bson.D{
		{Key: "balanceBefore", Value: before.String()},
		{Key: "balanceAfter", Value: after.String()},
	}}})
	return err
}

func (s *Store) RunInTx(ctx context.Context, fn ledger.TxFunc) error {
	return s.runTx(ctx, func(ctx context.Context) error {
		return fn(ctx, ledger.Phased(mongoTx{s: s}))
	})
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
	enc, err := encode(t.ID, doc)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := s.col(TransactionsCollection).InsertOne(ctx, enc); err != nil {
		if driver.IsDuplicateKeyError(err) {
			return ledger.Transaction{}, fmt.Errorf("%w: transaction %s already exists", ledger.ErrConflict, t.ID)
		}
		return ledger.Transaction{}, err
	}
	return t, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	raw, err := s.col(TransactionsCollection).FindOneAndDelete(ctx, byID(id))
	if errors.Is(err, driver.ErrNoDocuments) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	var t ledger.Transaction
	return t, decode(raw, &t)
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	var t ledger.Transaction
	ok, err := findOne(ctx, s.col(TransactionsCollection), id, &t)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !ok {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, nil
}

// eq appends an equality condition unless v is empty.
func eq(f bson.D, key, v string) bson.D {
	if v == "" {
		return f
	}
	return append(f, bson.E{Key: key, Value: v})
}

func (s *Store) ScanTransactions(ctx context.Context, f ledger.TransactionFilter, after string, limit int) ([]ledger.Transaction, string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	filter := bson.D{}
	filter = eq(filter, "organizationId", f.OrganizationID)
	filter = eq(filter, "financialYear", f.FinancialYear)
	if f.Kind.Valid() {
		filter = eq(filter, "ledgerKind", f.Kind.String())
	}
	filter = eq(filter, "entityId", f.EntityID)
	if after != "" {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$gt", Value: after}}})
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	page, err := findAll[ledger.Transaction](ctx, s.col(TransactionsCollection), filter, opts)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(page) == limit {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

func (s *Store) GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.LedgerAccount, error) {
	var a ledger.LedgerAccount
	ok, err := findOne(ctx, s.col(AccountsCollection), key.ID(), &a)
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
	ok, err := findOne(ctx, s.col(AnalyticsCollection), key.ID(), &d)
	if err != nil {
		return ledger.AnalyticsDocument{}, err
	}
	if !ok {
		return ledger.AnalyticsDocument{}, ledger.ErrNotFound
	}
	return d, nil
}

func sortedByID() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
}

func accountFilter(f ledger.DocFilter) bson.D {
	filter := bson.D{}
	filter = eq(filter, "organizationId", f.OrganizationID)
	filter = eq(filter, "financialYear", f.FinancialYear)
	if f.Account != nil {
		filter = eq(filter, "ledgerKind", f.Account.Kind.String())
		filter = eq(filter, "entityId", f.Account.EntityID)
		if f.FinancialYear == "" {
			filter = eq(filter, "financialYear", f.Account.FinancialYear)
		}
	}
	return filter
}

func (s *Store) ListAccounts(ctx context.Context, f ledger.DocFilter) ([]ledger.LedgerAccount, error) {
	return findAll[ledger.LedgerAccount](ctx, s.col(AccountsCollection), accountFilter(f), sortedByID())
}

func (s *Store) ListBuckets(ctx context.Context, f ledger.DocFilter) ([]ledger.MonthlyBucket, error) {
	return findAll[ledger.MonthlyBucket](ctx, s.col(BucketsCollection), accountFilter(f), sortedByID())
}

func (s *Store) ListAttendance(ctx context.Context, f ledger.DocFilter) ([]ledger.AttendanceBucket, error) {
	filter := bson.D{}
	filter = eq(filter, "organizationId", f.OrganizationID)
	filter = eq(filter, "financialYear", f.FinancialYear)
	filter = eq(filter, "employeeId", f.EmployeeID)
	return findAll[ledger.AttendanceBucket](ctx, s.col(AttendanceCollection), filter, sortedByID())
}

func (s *Store) ListOrganizations(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, name := range []string{TransactionsCollection, AccountsCollection} {
		values, err := s.col(name).Distinct(ctx, "organizationId", bson.D{})
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if org, ok := v.(string); ok && org != "" {
				seen[org] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for org := range seen {
		out = append(out, org)
	}
	sort.Strings(out)
	return out, nil
}

// writeModels groups a batch into per-collection bulk writes.
func writeModels(b *ledger.Batch) (map[string][]driver.WriteModel, error) {
	out := map[string][]driver.WriteModel{}
	upsert := func(col, id string, v any) error {
		doc, err := encode(id, v)
		if err != nil {
			return err
		}
		out[col] = append(out[col], driver.NewReplaceOneModel().SetFilter(byID(id)).SetReplacement(doc).SetUpsert(true))
		return nil
	}
	remove := func(col, id string) {
		out[col] = append(out[col], driver.NewDeleteOneModel().SetFilter(byID(id)))
	}
	for _, op := range b.Ops {
		var err error
		switch op.Kind {
		case ledger.OpPutAccount:
			err = upsert(AccountsCollection, op.Account.ID(), op.Account)
		case ledger.OpPutBucket:
			err = upsert(BucketsCollection, op.Bucket.Key().ID(), op.Bucket)
		case ledger.OpDeleteBucket:
			remove(BucketsCollection, op.BucketKey.ID())
		case ledger.OpPutAttendance:
			err = upsert(AttendanceCollection, op.Attendance.ID(), op.Attendance)
		case ledger.OpDeleteAttendance:
			remove(AttendanceCollection, op.AttendanceKey.ID())
		case ledger.OpPutAnalytics:
			err = upsert(AnalyticsCollection, op.Analytics.ID(), op.Analytics)
		default:
			err = fmt.Errorf("mongo: unknown batch op %d", op.Kind)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Commit writes the batch in one transaction, one ordered bulk write per
// collection.
func (s *Store) Commit(ctx context.Context, b *ledger.Batch) error {
	if err := b.Check(); err != nil {
		return err
	}
	models, err := writeModels(b)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return s.runTx(ctx, func(ctx context.Context) error {
		for _, name := range names {
			if _, err := s.col(name).BulkWrite(ctx, models[name], options.BulkWrite().SetOrdered(true)); err != nil {
				return fmt.Errorf("failed to perform bulk write for collection %s: %w", name, err)
			}
		}
		return nil
	})
}

// MirrorBalance updates the upstream profile unless it already mirrors a
// later financial year.
func (s *Store) MirrorBalance(ctx context.Context, ref ledger.EntityRef, fy string, balance decimal.Decimal) error {
	col := s.col(ref.Kind.ProfileCollection())
	return s.runTx(ctx, func(ctx context.Context) error {
		var p ledger.EntityProfile
		ok, err := findOne(ctx, col, ref.EntityID, &p)
		if err != nil {
			return err
		}
		if !ok {
			return ledger.ErrNotFound
		}
		if p.BalanceFY != "" && ledger.CompareFY(fy, p.BalanceFY) < 0 {
			return nil
		}
		_, err = col.UpdateOne(ctx, byID(ref.EntityID), bson.D{{Key: "$set", Value: bson.D{
			{Key: "currentBalance", Value: balance.String()},
			{Key: "balanceFinancialYear", Value: fy},
			{Key: "updatedAt", Value: s.now().Format(time.RFC3339Nano)},
		}}})
		return err
	})
}
