package storage

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"jokenpo/configs"
)

// MongoStore keeps the shared game state in one collection of versioned
// documents. Multi-key CAS commits run inside a session transaction with
// version re-checks, which needs a replica-set deployment.
type MongoStore struct {
	ctx    context.Context
	client *mongo.Client
	kv     *mongo.Collection
}

type kvDoc struct {
	Key     string `bson:"_id"`
	Value   []byte `bson:"value"`
	Version uint64 `bson:"version"`
}

func NewMongoStore(name string) (*MongoStore, error) {
	c := &MongoStore{ctx: context.Background()}
	var err error
	c.client, err = mongo.Connect(c.ctx, options.Client().ApplyURI(configs.MongoDBLink))
	if err != nil {
		return nil, ErrUnavailable
	}
	if err = c.client.Ping(c.ctx, readpref.Primary()); err != nil {
		return nil, ErrUnavailable
	}
	c.kv = c.client.Database("jokenpo" + name).Collection("KV")
	return c, nil
}

func (c *MongoStore) Watch(ctx context.Context, keys ...string) (Snapshot, error) {
	snap := make(Snapshot, len(keys))
	cur, err := c.kv.Find(ctx, bson.M{"_id": bson.M{"$in": keys}})
	if err != nil {
		return nil, ErrUnavailable
	}
	defer cur.Close(ctx)
	for _, k := range keys {
		snap[k] = Entry{}
	}
	for cur.Next(ctx) {
		var doc kvDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, ErrUnavailable
		}
		snap[doc.Key] = Entry{Value: doc.Value, Version: doc.Version}
	}
	return snap, nil
}

func (c *MongoStore) Commit(ctx context.Context, snap Snapshot, muts []Mutation) error {
	sess, err := c.client.StartSession()
	if err != nil {
		return ErrUnavailable
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for k, observed := range snap {
			var doc kvDoc
			err := c.kv.FindOne(sc, bson.M{"_id": k}).Decode(&doc)
			current := uint64(0)
			if err == nil {
				current = doc.Version
			} else if err != mongo.ErrNoDocuments {
				return nil, err
			}
			if current != observed.Version {
				return nil, ErrCASConflict
			}
		}
		for _, m := range muts {
			if m.Delete {
				if _, err := c.kv.DeleteOne(sc, bson.M{"_id": m.Key}); err != nil {
					return nil, err
				}
				continue
			}
			upsert := true
			_, err := c.kv.UpdateOne(sc, bson.M{"_id": m.Key},
				bson.M{"$set": bson.M{"value": m.Value}, "$inc": bson.M{"version": 1}},
				&options.UpdateOptions{Upsert: &upsert})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err == ErrCASConflict {
		return ErrCASConflict
	}
	if err != nil {
		return ErrUnavailable
	}
	return nil
}

func (c *MongoStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	var doc kvDoc
	err := c.kv.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, ErrUnavailable
	}
	return doc.Value, doc.Version, nil
}

func (c *MongoStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	cur, err := c.kv.Find(ctx, bson.M{"_id": bson.M{"$regex": "^" + strings.ReplaceAll(prefix, ":", "\\:")}})
	if err != nil {
		return nil, ErrUnavailable
	}
	defer cur.Close(ctx)
	res := make(map[string][]byte)
	for cur.Next(ctx) {
		var doc kvDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, ErrUnavailable
		}
		res[doc.Key] = doc.Value
	}
	return res, nil
}

func (c *MongoStore) Close() error {
	return c.client.Disconnect(c.ctx)
}
