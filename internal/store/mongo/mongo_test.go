package mongo

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"haulledger.org/internal/ledger"
	"haulledger.org/internal/materializer"
)

// fakeCollection keeps documents by _id and understands the equality and
// $gt filters the store issues.
type fakeCollection struct {
	docs  map[string]bson.M
	bulks int
}

func newFakeCollection() *fakeCollection { return &fakeCollection{docs: map[string]bson.M{}} }

func toM(v any) bson.M {
	raw, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		panic(err)
	}
	return m
}

func toRaw(m bson.M) bson.Raw {
	raw, err := bson.Marshal(m)
	if err != nil {
		panic(err)
	}
	return raw
}

func idOf(filter any) string {
	for _, e := range filter.(bson.D) {
		if e.Key == "_id" {
			if s, ok := e.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

func matches(doc bson.M, filter bson.D) bool {
	for _, e := range filter {
		if cond, ok := e.Value.(bson.D); ok {
			for _, op := range cond {
				got, _ := doc[e.Key].(string)
				if op.Key == "$gt" && got <= op.Value.(string) {
					return false
				}
			}
			continue
		}
		if doc[e.Key] != e.Value {
			return false
		}
	}
	return true
}

func (c *fakeCollection) FindOne(_ context.Context, filter bson.D) (bson.Raw, error) {
	doc, ok := c.docs[idOf(filter)]
	if !ok {
		return nil, driver.ErrNoDocuments
	}
	return toRaw(doc), nil
}

func (c *fakeCollection) Find(_ context.Context, filter bson.D, opts ...*options.FindOptions) ([]bson.Raw, error) {
	ids := make([]string, 0, len(c.docs))
	for id, doc := range c.docs {
		if matches(doc, filter) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(opts) > 0 && opts[0].Limit != nil && int(*opts[0].Limit) < len(ids) {
		ids = ids[:*opts[0].Limit]
	}
	out := make([]bson.Raw, 0, len(ids))
	for _, id := range ids {
		out = append(out, toRaw(c.docs[id]))
	}
	return out, nil
}

func (c *fakeCollection) FindOneAndDelete(ctx context.Context, filter bson.D) (bson.Raw, error) {
	raw, err := c.FindOne(ctx, filter)
	if err == nil {
		delete(c.docs, idOf(filter))
	}
	return raw, err
}

func (c *fakeCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*driver.InsertOneResult, error) {
	doc := toM(document)
	id := doc["_id"].(string)
	if _, ok := c.docs[id]; ok {
		return nil, driver.WriteException{WriteErrors: []driver.WriteError{{Code: 11000, Message: "duplicate key"}}}
	}
	c.docs[id] = doc
	return &driver.InsertOneResult{InsertedID: id}, nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter, replacement any, _ ...*options.ReplaceOptions) (*driver.UpdateResult, error) {
	c.docs[idOf(filter)] = toM(replacement)
	return &driver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, _ ...*options.UpdateOptions) (*driver.UpdateResult, error) {
	doc, ok := c.docs[idOf(filter)]
	if !ok {
		return &driver.UpdateResult{}, nil
	}
	for _, op := range update.(bson.D) {
		for _, e := range op.Value.(bson.D) {
			doc[e.Key] = e.Value
		}
	}
	return &driver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...*options.DeleteOptions) (*driver.DeleteResult, error) {
	id := idOf(filter)
	if _, ok := c.docs[id]; !ok {
		return &driver.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &driver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) Distinct(_ context.Context, field string, _ any, _ ...*options.DistinctOptions) ([]any, error) {
	seen := map[any]bool{}
	var out []any
	for _, doc := range c.docs {
		if v, ok := doc[field]; ok && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *fakeCollection) BulkWrite(ctx context.Context, models []driver.WriteModel, _ ...*options.BulkWriteOptions) (*driver.BulkWriteResult, error) {
	c.bulks++
	res := &driver.BulkWriteResult{}
	for _, m := range models {
		switch w := m.(type) {
		case *driver.ReplaceOneModel:
			_, _ = c.ReplaceOne(ctx, w.Filter, w.Replacement)
			res.UpsertedCount++
		case *driver.DeleteOneModel:
			_, _ = c.DeleteOne(ctx, w.Filter)
			res.DeletedCount++
		}
	}
	return res, nil
}

type fakeProvider map[string]*fakeCollection

func (p fakeProvider) Collection(name string) Collection {
	c, ok := p[name]
	if !ok {
		c = newFakeCollection()
		p[name] = c
	}
	return c
}

var may = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

func newFixture() (*Store, fakeProvider) {
	p := fakeProvider{}
	return New(p, nil), p
}

func txn(id string, entry ledger.EntryType, amount int64) ledger.Transaction {
	return ledger.Transaction{
		ID:             id,
		OrganizationID: "org-1",
		EntityID:       "client-c",
		Kind:           ledger.KindReceivable,
		Entry:          entry,
		Amount:         decimal.NewFromInt(amount),
		FinancialYear:  "2425",
		Date:           may,
		Metadata:       map[string]any{"trip": "T-1"},
	}
}

func TestDocumentsRoundTripThroughJSONShape(t *testing.T) {
	store, p := newFixture()
	ctx := context.Background()
	key := ledger.AccountKey{Kind: ledger.KindReceivable, EntityID: "client-c", FinancialYear: "2425"}

	err := store.RunInTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		_, found, err := tx.Account(ctx, key)
		require.NoError(t, err)
		require.False(t, found)
		a := ledger.NewAccount(key, "org-1", decimal.RequireFromString("12.50"))
		a.CurrentBalance = decimal.RequireFromString("112.50")
		a.TransactionCount = 3
		return tx.PutAccount(ctx, a)
	})
	require.NoError(t, err)

	stored := p[AccountsCollection].docs[key.ID()]
	assert.Equal(t, "receivable", stored["ledgerKind"])
	assert.Equal(t, "org-1", stored["organizationId"])

	got, err := store.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.OpeningBalance.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, got.CurrentBalance.Equal(decimal.RequireFromString("112.5")))
	assert.EqualValues(t, 3, got.TransactionCount)
	assert.Equal(t, key, got.AccountKey)
}

func TestInsertTransactionRejectsDuplicates(t *testing.T) {
	store, _ := newFixture()
	ctx := context.Background()

	_, err := store.InsertTransaction(ctx, txn("t1", ledger.Credit, 10))
	require.NoError(t, err)
	_, err = store.InsertTransaction(ctx, txn("t1", ledger.Credit, 10))
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestScanTransactionsPaginates(t *testing.T) {
	store, _ := newFixture()
	ctx := context.Background()
	for _, id := range []string{"t3", "t1", "t2"} {
		_, err := store.InsertTransaction(ctx, txn(id, ledger.Credit, 1))
		require.NoError(t, err)
	}
	f := ledger.TransactionFilter{OrganizationID: "org-1", FinancialYear: "2425"}

	page, next, err := store.ScanTransactions(ctx, f, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t1", page[0].ID)
	assert.Equal(t, "t2", next)
	assert.Equal(t, "T-1", page[0].Metadata["trip"])

	page, next, err = store.ScanTransactions(ctx, f, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "t3", page[0].ID)
	assert.Empty(t, next)
}

func TestMaterializerOverMongoStore(t *testing.T) {
	store, _ := newFixture()
	ctx := context.Background()
	m := materializer.New(store)

	credit, err := store.InsertTransaction(ctx, txn("t1", ledger.Credit, 1000))
	require.NoError(t, err)
	_, err = m.Apply(ctx, credit)
	require.NoError(t, err)
	debit, err := store.InsertTransaction(ctx, txn("t2", ledger.Debit, 400))
	require.NoError(t, err)
	res, err := m.Apply(ctx, debit)
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(decimal.NewFromInt(600)))

	stamped, err := store.GetTransaction(ctx, "t2")
	require.NoError(t, err)
	require.NotNil(t, stamped.BalanceAfter)
	assert.True(t, stamped.BalanceAfter.Equal(decimal.NewFromInt(600)))

	deleted, err := store.DeleteTransaction(ctx, "t2")
	require.NoError(t, err)
	_, err = m.Reverse(ctx, deleted)
	require.NoError(t, err)

	key := credit.AccountKey()
	acct, err := store.GetAccount(ctx, key)
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.Equal(decimal.NewFromInt(1000)))
	buckets, err := store.ListBuckets(ctx, ledger.DocFilter{Account: &key})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.EqualValues(t, 1, buckets[0].Count)
}

func TestCommitGroupsBulkWritesPerCollection(t *testing.T) {
	store, p := newFixture()
	ctx := context.Background()
	key := ledger.AccountKey{Kind: ledger.KindPayable, EntityID: "v-1", FinancialYear: "2425"}
	bucketKey := ledger.BucketKey{Account: key, Month: "202405"}
	p.Collection(BucketsCollection).(*fakeCollection).docs[bucketKey.ID()] = bson.M{"_id": bucketKey.ID()}

	b := &ledger.Batch{}
	b.PutAccount(ledger.NewAccount(key, "org-1", decimal.Zero))
	b.DeleteBucket(bucketKey)
	require.NoError(t, store.Commit(ctx, b))

	assert.Equal(t, 1, p[AccountsCollection].bulks)
	assert.Equal(t, 1, p[BucketsCollection].bulks)
	assert.Empty(t, p[BucketsCollection].docs)
	_, err := store.GetAccount(ctx, key)
	assert.NoError(t, err)
}

func TestMirrorBalanceForwardOnly(t *testing.T) {
	store, p := newFixture()
	ctx := context.Background()
	p.Collection("clients").(*fakeCollection).docs["client-c"] = bson.M{
		"_id": "client-c", "organizationId": "org-1", "balanceFinancialYear": "2526", "currentBalance": "5",
	}
	ref := ledger.EntityRef{Kind: ledger.KindReceivable, EntityID: "client-c"}

	require.NoError(t, store.MirrorBalance(ctx, ref, "2425", decimal.NewFromInt(99)))
	assert.Equal(t, "5", p["clients"].docs["client-c"]["currentBalance"])

	require.NoError(t, store.MirrorBalance(ctx, ref, "2627", decimal.NewFromInt(99)))
	assert.Equal(t, "99", p["clients"].docs["client-c"]["currentBalance"])
	assert.True(t, strings.HasPrefix(p["clients"].docs["client-c"]["updatedAt"].(string), "20"))

	err := store.MirrorBalance(ctx, ledger.EntityRef{Kind: ledger.KindPayable, EntityID: "nobody"}, "2425", decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestListOrganizationsMergesCollections(t *testing.T) {
	store, p := newFixture()
	p.Collection(TransactionsCollection).(*fakeCollection).docs["t1"] = bson.M{"_id": "t1", "organizationId": "org-b"}
	p.Collection(AccountsCollection).(*fakeCollection).docs["a1"] = bson.M{"_id": "a1", "organizationId": "org-a"}
	p.Collection(AccountsCollection).(*fakeCollection).docs["a2"] = bson.M{"_id": "a2", "organizationId": "org-b"}

	orgs, err := store.ListOrganizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"org-a", "org-b"}, orgs)
}
