package rag

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Qdrant only allows UUIDs and positive integers as point IDs, so non-UUID
// ids map to a deterministic UUID and the original rides in the payload.
const payloadIDField = "_original_id"

// QdrantIndex is a VectorIndex over one qdrant collection. The Go client
// speaks qdrant's gRPC API (port 6334 by default).
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimensions int
}

// NewQdrantIndex connects and ensures the collection exists. An API key may
// be passed as a query parameter: "http://localhost:6334?api_key=...".
func NewQdrantIndex(dsn, collection string, dimensions int) (*QdrantIndex, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("qdrant requires dimensions > 0")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant DSN: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant DSN: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	idx := &QdrantIndex{client: client, collection: collection, dimensions: dimensions}
	if err := idx.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return idx, nil
}

func (q *QdrantIndex) Close() {
	if q.client != nil {
		q.client.Close()
	}
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qp := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		uuidStr, mapped := pointID(p.ID)
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		if mapped {
			payload[payloadIDField] = p.ID
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		qp = append(qp, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qp,
	})
	return err
}

func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	selectors := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		uuidStr, _ := pointID(id)
		selectors = append(selectors, qdrant.NewIDUUID(uuidStr))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(selectors...),
	})
	return err
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for key, v := range filter {
			must = append(must, qdrant.NewMatch(key, v))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}
	limit := uint64(k)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		id := r.Id.GetUuid()
		payload := make(map[string]string, len(r.Payload))
		for k, v := range r.Payload {
			if k == payloadIDField {
				id = v.GetStringValue()
				continue
			}
			payload[k] = v.GetStringValue()
		}
		hits = append(hits, Hit{ID: id, Score: r.Score, Payload: payload})
	}
	return hits, nil
}
