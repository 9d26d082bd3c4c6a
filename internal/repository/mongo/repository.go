// Package mongo persists torrent records in a MongoDB collection.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"torrentd/internal/domain"
)

type Repository struct {
	collection *mongo.Collection
}

type optionsDoc struct {
	MaxConnections int `bson:"maxConnections,omitempty"`
}

type torrentDoc struct {
	ID       string     `bson:"_id"`
	Name     string     `bson:"name"`
	Magnet   string     `bson:"magnet,omitempty"`
	MetaInfo []byte     `bson:"metaInfo,omitempty"`
	Options  optionsDoc `bson:"options"`
	Paused   bool       `bson:"paused"`
	AddedAt  int64      `bson:"addedAt"`
}

func NewRepository(client *mongo.Client, dbName, collectionName string) *Repository {
	return &Repository{collection: client.Database(dbName).Collection(collectionName)}
}

// Connect opens a client with command tracing. extra options are applied
// after the URI.
func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{
		options.Client().ApplyURI(uri).SetMonitor(otelmongo.NewMonitor()),
	}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "addedAt", Value: 1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, models)
	return err
}

// Save inserts or replaces the record.
func (r *Repository) Save(ctx context.Context, rec domain.TorrentRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": rec.ID},
		toDoc(rec),
		options.Replace().SetUpsert(true),
	)
	return err
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns every record ordered by time added.
func (r *Repository) List(ctx context.Context) ([]domain.TorrentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "addedAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []torrentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.TorrentRecord, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDoc(doc))
	}
	return out, nil
}

func toDoc(rec domain.TorrentRecord) torrentDoc {
	return torrentDoc{
		ID:       rec.ID,
		Name:     rec.Name,
		Magnet:   rec.Source.Magnet,
		MetaInfo: rec.Source.MetaInfo,
		Options:  optionsDoc{MaxConnections: rec.Options.MaxConnections},
		Paused:   rec.Paused,
		AddedAt:  rec.AddedAt.UnixMilli(),
	}
}

func fromDoc(doc torrentDoc) domain.TorrentRecord {
	return domain.TorrentRecord{
		ID:   doc.ID,
		Name: doc.Name,
		Source: domain.TorrentSource{
			Magnet:   doc.Magnet,
			MetaInfo: doc.MetaInfo,
		},
		Options: domain.TorrentOptions{MaxConnections: doc.Options.MaxConnections},
		Paused:  doc.Paused,
		AddedAt: time.UnixMilli(doc.AddedAt).UTC(),
	}
}
