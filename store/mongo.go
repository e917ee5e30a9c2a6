package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoRepository implements Repository using MongoDB collections
// "users", "devices" and "sessions".
type MongoRepository struct {
	client   *mongo.Client
	users    *mongo.Collection
	devices  *mongo.Collection
	sessions *mongo.Collection
}

type mongoUser struct {
	ID                string    `bson:"_id"`
	Email             string    `bson:"email"`
	PasswordHash      string    `bson:"password_hash"`
	Plan              string    `bson:"plan"`
	CreatedAt         time.Time `bson:"created_at"`
	PasswordChangedAt time.Time `bson:"password_changed_at,omitempty"`
}

type mongoDevice struct {
	UserID     string    `bson:"user_id"`
	DeviceID   string    `bson:"device_id"`
	Trusted    bool      `bson:"trusted"`
	Browser    string    `bson:"browser"`
	OS         string    `bson:"os"`
	DeviceType string    `bson:"device_type"`
	FirstSeen  time.Time `bson:"first_seen"`
	LastSeen   time.Time `bson:"last_seen"`
}

type mongoSession struct {
	UserID     string    `bson:"user_id"`
	DeviceID   string    `bson:"device_id"`
	IPAddress  string    `bson:"ip_address"`
	UserAgent  string    `bson:"user_agent"`
	TrustScore int       `bson:"trust_score"`
	Country    string    `bson:"country"`
	City       string    `bson:"city"`
	CreatedAt  time.Time `bson:"created_at"`
}

// NewMongo connects to uri and prepares the collections and indexes in database.
func NewMongo(ctx context.Context, uri, database string) (*MongoRepository, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: failed to ping: %w", err)
	}

	db := client.Database(database)
	r := &MongoRepository{
		client:   client,
		users:    db.Collection("users"),
		devices:  db.Collection("devices"),
		sessions: db.Collection("sessions"),
	}

	if err := r.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return r, nil
}

func (r *MongoRepository) createIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{r.users, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{r.devices, mongo.IndexModel{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{r.sessions, mongo.IndexModel{
			Keys: bson.D{{Key: "created_at", Value: 1}},
		}},
	}

	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return fmt.Errorf("mongo: failed to create index: %w", err)
		}
	}
	return nil
}

// CreateUser persists a new user.
func (r *MongoRepository) CreateUser(ctx context.Context, user *User) error {
	_, err := r.users.InsertOne(ctx, mongoUser{
		ID:                user.ID,
		Email:             user.Email,
		PasswordHash:      user.PasswordHash,
		Plan:              user.Plan,
		CreatedAt:         user.CreatedAt,
		PasswordChangedAt: user.PasswordChangedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("mongo: failed to create user: %w", err)
	}
	return nil
}

// UserByID returns the user with the given id.
func (r *MongoRepository) UserByID(ctx context.Context, id string) (*User, error) {
	return r.findUser(ctx, bson.M{"_id": id})
}

// UserByEmail returns the user with the given email.
func (r *MongoRepository) UserByEmail(ctx context.Context, email string) (*User, error) {
	return r.findUser(ctx, bson.M{"email": email})
}

func (r *MongoRepository) findUser(ctx context.Context, filter bson.M) (*User, error) {
	var doc mongoUser
	err := r.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to find user: %w", err)
	}
	return &User{
		ID:                doc.ID,
		Email:             doc.Email,
		PasswordHash:      doc.PasswordHash,
		Plan:              doc.Plan,
		CreatedAt:         doc.CreatedAt,
		PasswordChangedAt: doc.PasswordChangedAt,
	}, nil
}

// UpdatePassword replaces the password hash of a user.
func (r *MongoRepository) UpdatePassword(ctx context.Context, userID, hash string, at time.Time) error {
	res, err := r.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"password_hash": hash, "password_changed_at": at}},
	)
	if err != nil {
		return fmt.Errorf("mongo: failed to update password: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Device returns the device bound to the user.
func (r *MongoRepository) Device(ctx context.Context, userID, deviceID string) (*Device, error) {
	var doc mongoDevice
	err := r.devices.FindOne(ctx, bson.M{"user_id": userID, "device_id": deviceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to find device: %w", err)
	}
	return &Device{
		UserID:     doc.UserID,
		DeviceID:   doc.DeviceID,
		Trusted:    doc.Trusted,
		Browser:    doc.Browser,
		OS:         doc.OS,
		DeviceType: doc.DeviceType,
		FirstSeen:  doc.FirstSeen,
		LastSeen:   doc.LastSeen,
	}, nil
}

// SaveDevice inserts or replaces a device binding.
func (r *MongoRepository) SaveDevice(ctx context.Context, device *Device) error {
	_, err := r.devices.ReplaceOne(ctx,
		bson.M{"user_id": device.UserID, "device_id": device.DeviceID},
		mongoDevice{
			UserID:     device.UserID,
			DeviceID:   device.DeviceID,
			Trusted:    device.Trusted,
			Browser:    device.Browser,
			OS:         device.OS,
			DeviceType: device.DeviceType,
			FirstSeen:  device.FirstSeen,
			LastSeen:   device.LastSeen,
		},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: failed to save device: %w", err)
	}
	return nil
}

// TouchDevice refreshes the last-seen timestamp of a device binding.
func (r *MongoRepository) TouchDevice(ctx context.Context, userID, deviceID string, at time.Time) error {
	res, err := r.devices.UpdateOne(ctx,
		bson.M{"user_id": userID, "device_id": deviceID},
		bson.M{"$set": bson.M{"last_seen": at}},
	)
	if err != nil {
		return fmt.Errorf("mongo: failed to touch device: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSession appends a session backup record.
func (r *MongoRepository) SaveSession(ctx context.Context, session *SessionRecord) error {
	_, err := r.sessions.InsertOne(ctx, mongoSession(*session))
	if err != nil {
		return fmt.Errorf("mongo: failed to save session: %w", err)
	}
	return nil
}

// SessionsCreatedAfter returns session backups created after t, oldest first.
func (r *MongoRepository) SessionsCreatedAfter(ctx context.Context, t time.Time) ([]*SessionRecord, error) {
	cur, err := r.sessions.Find(ctx,
		bson.M{"created_at": bson.M{"$gt": t}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: failed to query sessions: %w", err)
	}

	var docs []mongoSession
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: failed to decode sessions: %w", err)
	}

	sessions := make([]*SessionRecord, len(docs))
	for i := range docs {
		rec := SessionRecord(docs[i])
		sessions[i] = &rec
	}
	return sessions, nil
}

// Close disconnects the client.
func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}
