package db

import (
	"context"
	stderrors "errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"siope-etl/internal/config"
	"siope-etl/internal/errors"
)

// MongoOpener connects a new client for every Open
type MongoOpener struct {
	cfg config.StoreConfig
}

// NewMongoOpener creates an opener for cfg
func NewMongoOpener(cfg config.StoreConfig) *MongoOpener {
	return &MongoOpener{cfg: cfg}
}

// Open connects and pings the server
func (o *MongoOpener) Open(ctx context.Context) (Store, error) {
	return ConnectMongo(ctx, o.cfg)
}

// Mongo is a Store backed by one MongoDB client
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// ConnectMongo opens a client on the configured database
func ConnectMongo(ctx context.Context, cfg config.StoreConfig) (*Mongo, error) {
	opts := options.Client().ApplyURI(cfg.ConnectionURI())
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
		opts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Store("connecting to "+cfg.ConnectionURI(), err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Store("pinging "+cfg.ConnectionURI(), err)
	}

	return &Mongo{client: client, db: client.Database(cfg.Database)}, nil
}

// Drop implements Store
func (m *Mongo) Drop(ctx context.Context, collection string) error {
	if err := m.db.Collection(collection).Drop(ctx); err != nil {
		return errors.Store("dropping "+collection, err)
	}
	return nil
}

// EnsureIndex implements Store
func (m *Mongo) EnsureIndex(ctx context.Context, collection string, index Index) error {
	keys := bson.D{}
	for _, k := range index.Keys {
		keys = append(keys, bson.E{Key: k, Value: 1})
	}
	model := mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetName(index.Name()).SetUnique(index.Unique),
	}
	if _, err := m.db.Collection(collection).Indexes().CreateOne(ctx, model); err != nil {
		if indexConflict(err) {
			return errors.Wrapf(errors.TypeStore, err,
				"%s already has an index %s with different options; drop it or run without --resume",
				collection, index.Name())
		}
		return errors.Store("indexing "+collection+" on "+index.Name(), err)
	}
	return nil
}

// Count implements Store
func (m *Mongo) Count(ctx context.Context, collection string) (int64, error) {
	n, err := m.db.Collection(collection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, errors.Store("counting "+collection, err)
	}
	return n, nil
}

// FindOne implements Store
func (m *Mongo) FindOne(ctx context.Context, collection string, filter Filter, out interface{}) (bool, error) {
	err := m.db.Collection(collection).FindOne(ctx, bson.M(filter)).Decode(out)
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Store("querying "+collection, err)
	}
	return true, nil
}

// Exists implements Store
func (m *Mongo) Exists(ctx context.Context, collection string, filter Filter) (bool, error) {
	opts := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})
	err := m.db.Collection(collection).FindOne(ctx, bson.M(filter), opts).Err()
	if stderrors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.Store("querying "+collection, err)
	}
	return true, nil
}

// Scan implements Store. Documents are ordered by _id so that disjoint
// ranges stay disjoint across separate queries.
func (m *Mongo) Scan(ctx context.Context, collection string, r Range, fn func(Decoder) error) error {
	if r.Empty() {
		return nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(r.Start).
		SetNoCursorTimeout(true)
	if !r.Open {
		opts.SetLimit(r.Len())
	}

	cursor, err := m.db.Collection(collection).Find(ctx, bson.D{}, opts)
	if err != nil {
		return errors.Store("scanning "+collection, err)
	}
	defer cursor.Close(context.Background())

	for cursor.Next(ctx) {
		if err := fn(cursor); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return errors.Store("scanning "+collection, err)
	}
	return nil
}

// NewBatch implements Store
func (m *Mongo) NewBatch(collection string) Batch {
	return &mongoBatch{coll: m.db.Collection(collection)}
}

// Close implements Store
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type mongoBatch struct {
	coll   *mongo.Collection
	models []mongo.WriteModel
}

func (b *mongoBatch) Insert(doc interface{}) {
	b.models = append(b.models, mongo.NewInsertOneModel().SetDocument(doc))
}

func (b *mongoBatch) UpsertPush(id string, onInsert interface{}, field string, item interface{}) {
	update := bson.D{
		{Key: "$setOnInsert", Value: onInsert},
		{Key: "$push", Value: bson.D{{Key: field, Value: item}}},
	}
	b.models = append(b.models, mongo.NewUpdateOneModel().
		SetFilter(bson.D{{Key: "_id", Value: id}}).
		SetUpdate(update).
		SetUpsert(true))
}

func (b *mongoBatch) Len() int {
	return len(b.models)
}

func (b *mongoBatch) Flush(ctx context.Context) (FlushStats, error) {
	var stats FlushStats
	if len(b.models) == 0 {
		return stats, nil
	}
	models := b.models
	b.models = nil

	res, err := b.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if res != nil {
		stats.Written = int(res.InsertedCount + res.UpsertedCount + res.ModifiedCount)
	}
	if err == nil {
		return stats, nil
	}

	var bwe mongo.BulkWriteException
	if stderrors.As(err, &bwe) && bwe.WriteConcernError == nil && onlyDuplicates(bwe.WriteErrors) {
		stats.Duplicates = len(bwe.WriteErrors)
		return stats, nil
	}
	return stats, errors.Store("bulk write on "+b.coll.Name(), err)
}

// indexConflict reports an existing index with the same name or keys but
// other options (IndexOptionsConflict, IndexKeySpecsConflict)
func indexConflict(err error) bool {
	var ce mongo.CommandError
	if !stderrors.As(err, &ce) {
		return false
	}
	return ce.Code == 85 || ce.Code == 86
}

func onlyDuplicates(writeErrors []mongo.BulkWriteError) bool {
	if len(writeErrors) == 0 {
		return false
	}
	for _, we := range writeErrors {
		switch we.Code {
		case 11000, 11001, 12582:
		default:
			return false
		}
	}
	return true
}
