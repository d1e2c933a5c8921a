package cursor

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps the state in a single document.
type FirestoreStore struct {
	client *firestore.Client
	doc    *firestore.DocumentRef
}

// NewFirestoreStore opens a Firestore client for projectID and uses
// collection/docID for the cursor.
func NewFirestoreStore(ctx context.Context, projectID, collection, docID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &FirestoreStore{client: client, doc: client.Collection(collection).Doc(docID)}, nil
}

// Close releases the Firestore client.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

func (f *FirestoreStore) Load(ctx context.Context) (State, error) {
	snap, err := f.doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return State{}, nil
		}
		return State{}, fmt.Errorf("FirestoreStore.Load: %w", err)
	}
	var st State
	if err := snap.DataTo(&st); err != nil {
		return State{}, fmt.Errorf("FirestoreStore.Load: DataTo: %w", err)
	}
	return st, nil
}

func (f *FirestoreStore) Save(ctx context.Context, st State) error {
	if _, err := f.doc.Set(ctx, st); err != nil {
		return fmt.Errorf("FirestoreStore.Save: %w", err)
	}
	return nil
}
