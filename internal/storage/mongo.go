package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements the TableStore interface using MongoDB
type MongoStore struct {
	client            *mongo.Client
	database          *mongo.Database
	tableCollection   *mongo.Collection
	rowCollection     *mongo.Collection
	counterCollection *mongo.Collection
}

// Counter document structure for per-table row sequences
type Counter struct {
	ID    string `bson:"_id"`
	Value int64  `bson:"value"`
}

type tableDoc struct {
	Name      string    `bson:"_id"`
	Header    []string  `bson:"header"`
	CreatedAt time.Time `bson:"created_at"`
}

type rowDoc struct {
	Table string   `bson:"table"`
	Seq   int64    `bson:"seq"`
	Cells []string `bson:"cells"`
}

// NewMongoStore creates a new MongoDB storage instance
func NewMongoStore(connectionString, databaseName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Test the connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	database := client.Database(databaseName)
	ms := &MongoStore{
		client:            client,
		database:          database,
		tableCollection:   database.Collection("tables"),
		rowCollection:     database.Collection("rows"),
		counterCollection: database.Collection("counters"),
	}

	_, err = ms.rowCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "table", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create row index: %w", err)
	}

	return ms, nil
}

// Close closes the MongoDB connection
func (ms *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

// nextSeq atomically increments and returns the next row sequence for a table
func (ms *MongoStore) nextSeq(ctx context.Context, table string) (int64, error) {
	filter := bson.M{"_id": table}
	update := bson.M{"$inc": bson.M{"value": 1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)

	var counter Counter
	err := ms.counterCollection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to get next sequence for %s: %w", table, err)
	}
	return counter.Value, nil
}

func (ms *MongoStore) GetTable(ctx context.Context, name string) (*Table, error) {
	var doc tableDoc
	err := ms.tableCollection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrTableNotFound
		}
		return nil, wrap("get", name, err)
	}
	return &Table{Name: doc.Name, Header: doc.Header}, nil
}

func (ms *MongoStore) CreateTable(ctx context.Context, name string, header []string) (*Table, error) {
	doc := tableDoc{Name: name, Header: copyRow(header), CreatedAt: time.Now().UTC()}
	if _, err := ms.tableCollection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrTableExists
		}
		return nil, wrap("create", name, err)
	}
	return &Table{Name: name, Header: copyRow(header)}, nil
}

func (ms *MongoStore) AppendRow(ctx context.Context, t *Table, row []string) error {
	if _, err := ms.GetTable(ctx, t.Name); err != nil {
		return err
	}
	seq, err := ms.nextSeq(ctx, t.Name)
	if err != nil {
		return wrap("append", t.Name, err)
	}
	_, err = ms.rowCollection.InsertOne(ctx, rowDoc{Table: t.Name, Seq: seq, Cells: copyRow(row)})
	return wrap("append", t.Name, err)
}

func (ms *MongoStore) ListRows(ctx context.Context, t *Table) ([][]string, error) {
	if _, err := ms.GetTable(ctx, t.Name); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := ms.rowCollection.Find(ctx, bson.M{"table": t.Name}, opts)
	if err != nil {
		return nil, wrap("list rows", t.Name, err)
	}
	defer cursor.Close(ctx)

	rows := [][]string{}
	for cursor.Next(ctx) {
		var doc rowDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, wrap("list rows", t.Name, fmt.Errorf("failed to decode row: %w", err))
		}
		rows = append(rows, doc.Cells)
	}
	if err := cursor.Err(); err != nil {
		return nil, wrap("list rows", t.Name, fmt.Errorf("cursor error: %w", err))
	}
	return rows, nil
}

func (ms *MongoStore) ListTables(ctx context.Context) ([]string, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetProjection(bson.M{"_id": 1})
	cursor, err := ms.tableCollection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrap("list tables", "", err)
	}
	defer cursor.Close(ctx)

	var names []string
	for cursor.Next(ctx) {
		var doc struct {
			Name string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, wrap("list tables", "", err)
		}
		names = append(names, doc.Name)
	}
	return names, wrap("list tables", "", cursor.Err())
}

func (ms *MongoStore) DeleteTable(ctx context.Context, name string) error {
	if _, err := ms.rowCollection.DeleteMany(ctx, bson.M{"table": name}); err != nil {
		return wrap("delete", name, err)
	}
	if _, err := ms.counterCollection.DeleteOne(ctx, bson.M{"_id": name}); err != nil {
		return wrap("delete", name, err)
	}
	_, err := ms.tableCollection.DeleteOne(ctx, bson.M{"_id": name})
	return wrap("delete", name, err)
}
