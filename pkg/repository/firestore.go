package repository

import (
	"context"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection   = "memories"
	distanceResultField = "vector_distance"
	firestoreMaxLimit   = 1000
)

// Firestore stores memories in a Firestore collection and searches them with
// the native vector index (cosine distance).
type Firestore struct {
	client     *firestore.Client
	collection string
}

type FirestoreOption func(*Firestore)

func WithCollection(name string) FirestoreOption {
	return func(r *Firestore) {
		r.collection = name
	}
}

// NewFirestore creates a new Firestore repository
func NewFirestore(ctx context.Context, projectID, databaseID string, opts ...FirestoreOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}

	r := &Firestore{
		client:     client,
		collection: defaultCollection,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) Name() string {
	return "firestore"
}

func (r *Firestore) doc(id model.MemoryID) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(string(id))
}

func (r *Firestore) Upsert(ctx context.Context, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	if _, err := r.doc(memory.ID).Set(ctx, toRecord(memory)); err != nil {
		return goerr.Wrap(err, "failed to put memory", goerr.V("id", memory.ID))
	}
	return nil
}

func (r *Firestore) Query(ctx context.Context, vector []float32, topK int) (*QueryResult, error) {
	result := &QueryResult{Backend: r.Name()}
	if topK <= 0 {
		return result, nil
	}
	if topK > firestoreMaxLimit {
		topK = firestoreMaxLimit
	}

	iter := r.client.Collection(r.collection).
		FindNearest("embedding", firestore.Vector32(vector), topK, firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{DistanceResultField: distanceResultField}).
		Documents(ctx)
	defer iter.Stop()

	var matches []*model.Match
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to query nearest memories")
		}

		var rec record
		if err := doc.DataTo(&rec); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc", doc.Ref.ID))
		}
		memory, err := rec.toMemory()
		if err != nil {
			return nil, err
		}

		distance, _ := doc.Data()[distanceResultField].(float64)
		matches = append(matches, &model.Match{
			Memory: memory,
			Score:  1 - distance,
		})
	}

	result.Matches = rank(byCreation(matches), topK)
	return result, nil
}

func (r *Firestore) Fetch(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	doc, err := r.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}

	var rec record
	if err := doc.DataTo(&rec); err != nil {
		return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("id", id))
	}
	return rec.toMemory()
}

func (r *Firestore) List(ctx context.Context, limit int) ([]*model.Memory, error) {
	q := r.client.Collection(r.collection).OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var memories []*model.Memory
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list memories")
		}

		var rec record
		if err := doc.DataTo(&rec); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("doc", doc.Ref.ID))
		}
		memory, err := rec.toMemory()
		if err != nil {
			return nil, err
		}
		memories = append(memories, memory)
	}
	return memories, nil
}

func (r *Firestore) Delete(ctx context.Context, id model.MemoryID) error {
	ref := r.doc(id)
	if _, err := ref.Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
		}
		return goerr.Wrap(err, "failed to get memory", goerr.V("id", id))
	}

	if _, err := ref.Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id))
	}
	return nil
}
