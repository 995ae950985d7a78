// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mongodb implements persistence.Driver on MongoDB.
//
// Documents are stored with their repository id as _id. Filters and sorts are
// translated into native bson so the server does the work; the keyset cursor becomes
// an $or expression over the sort terms followed by _id. RunTransaction and Batch
// need a replica set because both run inside a session transaction.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docrepo/pkg/persistence"
)

// Server error codes mapped explicitly.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeExceededTimeLimit    = 50
)

// Driver is a persistence.Driver backed by a MongoDB database.
type Driver struct {
	client *mongo.Client
	db     *mongo.Database
	log    *zap.SugaredLogger
	limits persistence.Limits
}

// Connect dials uri and uses database for all collections.
func Connect(ctx context.Context, uri string, database string, log *zap.SugaredLogger) (*Driver, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", MapError(err))
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)

		return nil, fmt.Errorf("failed to ping mongodb: %w", MapError(err))
	}

	return &Driver{
		client: client,
		db:     client.Database(database),
		log:    log,
		limits: persistence.DefaultLimits(),
	}, nil
}

func (d *Driver) coll(name string) *mongo.Collection {
	return d.db.Collection(name)
}

// Get reads one document.
func (d *Driver) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	var raw bson.M

	if err := d.coll(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw); err != nil {
		return nil, MapError(err)
	}

	return FromBSON(raw), nil
}

// GetMany reads at most Limits().MaxGetMany documents with one $in query.
func (d *Driver) GetMany(ctx context.Context, collection string, ids []string) (map[string]persistence.Document, error) {
	if len(ids) > d.limits.MaxGetMany {
		return nil, fmt.Errorf("%w: %d ids exceeds multi-get limit %d", persistence.ErrInvalidArgument, len(ids), d.limits.MaxGetMany)
	}

	out := make(map[string]persistence.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	cur, err := d.coll(collection).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, MapError(err)
	}

	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, MapError(err)
	}

	for _, raw := range raws {
		doc := FromBSON(raw)
		out[doc.ID()] = doc
	}

	return out, nil
}

// Set creates or replaces a document.
func (d *Driver) Set(ctx context.Context, collection string, id string, doc persistence.Document) error {
	_, err := d.coll(collection).ReplaceOne(ctx, bson.M{"_id": id}, ToBSON(id, doc), options.Replace().SetUpsert(true))

	return MapError(err)
}

// Update applies fields with $set. Dot paths are native in MongoDB.
func (d *Driver) Update(ctx context.Context, collection string, id string, fields persistence.Document) error {
	res, err := d.coll(collection).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M(fields)})
	if err != nil {
		return MapError(err)
	}

	if res.MatchedCount == 0 {
		return persistence.ErrNotFound
	}

	return nil
}

// Delete removes a document or returns persistence.ErrNotFound.
func (d *Driver) Delete(ctx context.Context, collection string, id string) error {
	res, err := d.coll(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return MapError(err)
	}

	if res.DeletedCount == 0 {
		return persistence.ErrNotFound
	}

	return nil
}

// Query runs q natively.
func (d *Driver) Query(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	opts := options.Find().
		SetSort(BuildSort(query.SortBy)).
		SetLimit(int64(query.EffectiveLimit()))

	if query.SkipCount > 0 {
		opts.SetSkip(int64(query.SkipCount))
	}

	cur, err := d.coll(collection).Find(ctx, BuildFilter(query), opts)
	if err != nil {
		return nil, MapError(err)
	}

	var raws []bson.M
	if err := cur.All(ctx, &raws); err != nil {
		return nil, MapError(err)
	}

	docs := make([]persistence.Document, 0, len(raws))
	for _, raw := range raws {
		docs = append(docs, FromBSON(raw))
	}

	return docs, nil
}

// Count uses CountDocuments. Its consistency with concurrent writes follows the
// collection's read concern.
func (d *Driver) Count(ctx context.Context, collection string, query persistence.Query) (int64, error) {
	filterOnly := persistence.Query{Filters: query.Filters}

	n, err := d.coll(collection).CountDocuments(ctx, BuildFilter(filterOnly))

	return n, MapError(err)
}

// RunTransaction runs fn inside a session transaction. The driver retries
// TransientTransactionError on its own; anything left is mapped to ErrAborted.
func (d *Driver) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx persistence.Transaction) error) error {
	session, err := d.client.StartSession()
	if err != nil {
		return MapError(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (interface{}, error) {
		return nil, fn(sessCtx, &mongoTx{driver: d, ctx: sessCtx})
	})

	return MapError(err)
}

// Batch applies ops inside one transaction, grouping bulk writes per collection.
func (d *Driver) Batch(ctx context.Context, ops []persistence.BatchOp) error {
	if len(ops) > d.limits.MaxBatchWrites {
		return fmt.Errorf("%w: %d writes exceeds batch limit %d", persistence.ErrInvalidArgument, len(ops), d.limits.MaxBatchWrites)
	}

	var (
		order  []string
		models = make(map[string][]mongo.WriteModel)
	)

	for _, op := range ops {
		if _, ok := models[op.Collection]; !ok {
			order = append(order, op.Collection)
		}

		switch op.Kind {
		case persistence.BatchSet:
			models[op.Collection] = append(models[op.Collection],
				mongo.NewReplaceOneModel().SetFilter(bson.M{"_id": op.ID}).SetReplacement(ToBSON(op.ID, op.Doc)).SetUpsert(true))
		case persistence.BatchUpdate:
			models[op.Collection] = append(models[op.Collection],
				mongo.NewUpdateOneModel().SetFilter(bson.M{"_id": op.ID}).SetUpdate(bson.M{"$set": bson.M(op.Doc)}))
		case persistence.BatchDelete:
			models[op.Collection] = append(models[op.Collection],
				mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": op.ID}))
		default:
			return fmt.Errorf("%w: unknown batch op %q", persistence.ErrInvalidArgument, op.Kind)
		}
	}

	return d.RunTransaction(ctx, func(ctx context.Context, _ persistence.Transaction) error {
		for _, name := range order {
			if _, err := d.coll(name).BulkWrite(ctx, models[name], options.BulkWrite().SetOrdered(true)); err != nil {
				return err
			}
		}

		return nil
	})
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// Subscribe opens a change stream. Events are delivered from a background
// goroutine until the returned Unsubscribe is called or ctx ends.
func (d *Driver) Subscribe(ctx context.Context, collection string, id string, fn func(persistence.Change)) (persistence.Unsubscribe, error) {
	pipeline := mongo.Pipeline{}
	if id != "" {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}})
	}

	streamCtx, cancel := context.WithCancel(ctx)

	stream, err := d.coll(collection).Watch(streamCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()

		return nil, MapError(err)
	}

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		defer func() { _ = stream.Close(context.Background()) }()

		for stream.Next(streamCtx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				d.log.Warnw("failed to decode change event", "collection", collection, "error", err)

				continue
			}

			change := persistence.Change{Collection: collection, ID: ev.DocumentKey.ID}

			switch ev.OperationType {
			case "insert":
				change.Type = persistence.ChangeAdded
			case "delete":
				change.Type = persistence.ChangeRemoved
			default:
				change.Type = persistence.ChangeModified
			}

			if ev.FullDocument != nil {
				change.Doc = FromBSON(ev.FullDocument)
			}

			fn(change)
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warnw("change stream ended", "collection", collection, "error", err)
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

// Limits returns the bounds this driver enforces.
func (d *Driver) Limits() persistence.Limits {
	return d.limits
}

// Close disconnects the client.
func (d *Driver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return MapError(d.client.Disconnect(ctx))
}

type mongoTx struct {
	driver *Driver
	ctx    context.Context
}

func (t *mongoTx) Get(ctx context.Context, collection string, id string) (persistence.Document, error) {
	return t.driver.Get(ctx, collection, id)
}

func (t *mongoTx) Set(collection string, id string, doc persistence.Document) error {
	return t.driver.Set(t.ctx, collection, id, doc)
}

func (t *mongoTx) Update(collection string, id string, fields persistence.Document) error {
	return t.driver.Update(t.ctx, collection, id, fields)
}

func (t *mongoTx) Delete(collection string, id string) error {
	err := t.driver.Delete(t.ctx, collection, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil
	}

	return err
}
