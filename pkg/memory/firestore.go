package memory

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultFirestoreCollection = "player_profiles"

// FirestoreStore keeps one document per player.
type FirestoreStore struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
}

// NewFirestoreStore connects with Application Default Credentials, or with
// the service account file at credentials when set.
func NewFirestoreStore(ctx context.Context, projectID, collection, credentials string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("memory: firestore project ID is required")
	}
	if collection == "" {
		collection = defaultFirestoreCollection
	}
	var opts []option.ClientOption
	if credentials != "" {
		opts = append(opts, option.WithCredentialsFile(credentials))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("memory: create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, coll: client.Collection(collection)}, nil
}

func (f *FirestoreStore) Load(ctx context.Context, userID string) (Profile, error) {
	snap, err := f.coll.Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("memory: load %s: %w", userID, err)
	}
	var p Profile
	if err := snap.DataTo(&p); err != nil {
		return Profile{}, fmt.Errorf("memory: decode %s: %w", userID, err)
	}
	return p, nil
}

func (f *FirestoreStore) Save(ctx context.Context, p Profile) error {
	if p.UserID == "" {
		return ErrNoUser
	}
	if _, err := f.coll.Doc(p.UserID).Set(ctx, p); err != nil {
		return fmt.Errorf("memory: save %s: %w", p.UserID, err)
	}
	return nil
}

// Ping reads a document that need not exist.
func (f *FirestoreStore) Ping(ctx context.Context) error {
	_, err := f.coll.Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
