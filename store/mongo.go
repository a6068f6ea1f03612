package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoDatabase and DefaultMongoCollection locate the state documents.
const (
	DefaultMongoDatabase   = "meshledger"
	DefaultMongoCollection = "state"
)

// MongoStore keeps each map in one upserted document. Entries are stored as
// an array so that names containing '.' or '$' survive.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	owner      string
}

type contactEntry struct {
	ID        string `bson:"id"`
	PublicKey string `bson:"public_key"`
}

type groupEntry struct {
	Name    string `bson:"name"`
	Members int    `bson:"members"`
}

type contactsDocument struct {
	ID      string         `bson:"_id"`
	Entries []contactEntry `bson:"entries"`
}

type groupsDocument struct {
	ID      string       `bson:"_id"`
	Entries []groupEntry `bson:"entries"`
}

// MongoOptions configures DialMongo.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	// Owner scopes the documents, normally the device id, so several
	// devices may share one collection.
	Owner string
}

// DialMongo connects and pings the server.
func DialMongo(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := opts.Database
	if db == "" {
		db = DefaultMongoDatabase
	}
	coll := opts.Collection
	if coll == "" {
		coll = DefaultMongoCollection
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(db).Collection(coll),
		owner:      opts.Owner,
	}, nil
}

func (s *MongoStore) docID(name string) string {
	if s.owner == "" {
		return name
	}
	return s.owner + "/" + name
}

// LoadContacts implements Store.
func (s *MongoStore) LoadContacts(ctx context.Context) (map[string]string, error) {
	var doc contactsDocument
	if err := s.find(ctx, "contacts", &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(doc.Entries))
	for _, e := range doc.Entries {
		out[e.ID] = e.PublicKey
	}
	return out, nil
}

// SaveContacts implements Store.
func (s *MongoStore) SaveContacts(ctx context.Context, contacts map[string]string) error {
	doc := contactsDocument{ID: s.docID("contacts"), Entries: make([]contactEntry, 0, len(contacts))}
	for id, pem := range contacts {
		doc.Entries = append(doc.Entries, contactEntry{ID: id, PublicKey: pem})
	}
	return s.replace(ctx, doc.ID, doc, len(doc.Entries))
}

// LoadGroups implements Store.
func (s *MongoStore) LoadGroups(ctx context.Context) (map[string]Group, error) {
	var doc groupsDocument
	if err := s.find(ctx, "groups", &doc); err != nil {
		return nil, err
	}
	out := make(map[string]Group, len(doc.Entries))
	for _, e := range doc.Entries {
		out[e.Name] = Group{Members: e.Members}
	}
	return out, nil
}

// SaveGroups implements Store.
func (s *MongoStore) SaveGroups(ctx context.Context, groups map[string]Group) error {
	doc := groupsDocument{ID: s.docID("groups"), Entries: make([]groupEntry, 0, len(groups))}
	for name, g := range groups {
		doc.Entries = append(doc.Entries, groupEntry{Name: name, Members: g.Members})
	}
	return s.replace(ctx, doc.ID, doc, len(doc.Entries))
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *MongoStore) find(ctx context.Context, name string, v any) error {
	err := s.collection.FindOne(ctx, bson.M{"_id": s.docID(name)}).Decode(v)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongo find %s: %w", s.docID(name), err)
	}
	return nil
}

func (s *MongoStore) replace(ctx context.Context, id string, doc any, entries int) error {
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo replace %s: %w", id, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "MongoStore.replace",
		"document": id,
		"entries":  entries,
	}).Debug("Store saved")
	return nil
}
