// internal/vectorstore/qdrant.go
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// pointNamespace seeds deterministic point ids.
var pointNamespace = uuid.MustParse("6f1f9c1e-3a52-4c1d-9d0e-8e4b7b5b2a10")

// QdrantConfig holds configuration for the Qdrant backend.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string

	// Port is the gRPC port (6334 by default, not the 6333 REST port).
	Port int

	UseTLS bool
	APIKey string

	// CollectionPrefix is prepended to the tenant id to name collections.
	CollectionPrefix string

	// MaxRetries is the retry count for transient gRPC failures.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration

	// MaxMessageSize caps gRPC messages in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "docrag"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative", ErrInvalidConfig)
	}
	if err := ValidateTenantID(c.CollectionPrefix); err != nil {
		return fmt.Errorf("%w: collection prefix: %v", ErrInvalidConfig, err)
	}
	return nil
}

// IsTransientError reports whether err is a gRPC failure worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantBackend stores each tenant in its own Qdrant collection over gRPC.
//
// Collections use cosine distance and scores are converted to the same
// squared Euclidean distance the chromem backend reports, so similarity
// values are comparable across backends. Qdrant is durable on its own;
// Persist only refreshes the cached count.
type QdrantBackend struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantBackend connects to Qdrant and performs a health check.
func NewQdrantBackend(cfg QdrantConfig, logger *zap.Logger) (*QdrantBackend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}

	return &QdrantBackend{client: client, config: cfg, logger: logger}, nil
}

// Create returns an index for tenantID. The collection itself is created
// on first insert, once the vector dimension is known.
func (b *QdrantBackend) Create(_ context.Context, tenantID string) (Index, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	return &qdrantIndex{backend: b, tenantID: tenantID, collection: collectionName(b.config.CollectionPrefix, tenantID)}, nil
}

// Load returns the index of tenantID when its collection exists.
func (b *QdrantBackend) Load(ctx context.Context, tenantID string) (Index, error) {
	ctx, span := tracer.Start(ctx, "QdrantBackend.Load")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	name := collectionName(b.config.CollectionPrefix, tenantID)

	var info *qdrant.CollectionInfo
	err := b.retry(ctx, "collection_info", func() error {
		res, err := b.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return err
		}
		info = res
		return nil
	})
	if err != nil {
		err = loadError(name, err)
		if !errors.Is(err, ErrIndexUnavailable) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "collection info failed")
		}
		return nil, err
	}

	idx := &qdrantIndex{
		backend:    b,
		tenantID:   tenantID,
		collection: name,
		dim:        int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
		exists:     true,
	}
	if err := idx.refresh(ctx); err != nil {
		return nil, loadError(name, err)
	}

	span.SetStatus(codes.Ok, "")
	return idx, nil
}

// Close closes the gRPC connection.
func (b *QdrantBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

func (b *QdrantBackend) retry(ctx context.Context, op string, fn func() error) error {
	backoff := b.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", op, err)
		}
		if attempt >= b.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, b.config.MaxRetries, err)
		}
		b.logger.Debug("retrying qdrant operation", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// loadError maps a failed collection lookup. Only a missing collection
// means "no index"; an unreachable or refusing server is returned as is.
func loadError(collection string, err error) error {
	if grpcCode(err) == grpccodes.NotFound {
		return fmt.Errorf("%w: collection %s does not exist", ErrIndexUnavailable, collection)
	}
	return fmt.Errorf("loading collection %s: %w", collection, err)
}

// grpcCode returns the code of the first gRPC status in err's chain.
func grpcCode(err error) grpccodes.Code {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := status.FromError(e); ok {
			return st.Code()
		}
	}
	return grpccodes.Unknown
}

func collectionName(prefix, tenantID string) string {
	return prefix + "_" + tenantID
}

// pointID is stable for a tenant, document and chunk, so re-inserting a
// chunk overwrites its point.
func pointID(tenantID, documentID string, chunk int) string {
	return uuid.NewSHA1(pointNamespace, []byte(tenantID+"/"+RecordKey(documentID, chunk))).String()
}

type qdrantIndex struct {
	mu         sync.RWMutex
	backend    *QdrantBackend
	tenantID   string
	collection string
	dim        int
	model      string
	count      int
	exists     bool
}

func (x *qdrantIndex) Insert(ctx context.Context, records []Record) error {
	ctx, span := tracer.Start(ctx, "qdrantIndex.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", x.collection),
		attribute.Int("records", len(records)),
	)

	x.mu.Lock()
	defer x.mu.Unlock()

	dim, model, err := checkRecords(records, x.dim, x.model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid records")
		return err
	}
	if err := x.ensureCollection(ctx, dim); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create collection failed")
		return err
	}

	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID(x.tenantID, r.DocumentID, r.ChunkIndex)),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: recordPayload(r),
		}
	}

	err = x.backend.retry(ctx, "upsert", func() error {
		_, err := x.backend.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return fmt.Errorf("upserting points to collection %s: %w", x.collection, err)
	}
	x.dim, x.model = dim, model

	if err := x.refreshCount(ctx); err != nil {
		x.backend.logger.Warn("failed to refresh point count", zap.String("collection", x.collection), zap.Error(err))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (x *qdrantIndex) Search(ctx context.Context, query []float32, k int, threshold float64) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "qdrantIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", x.collection),
		attribute.Int("k", k),
	)

	x.mu.RLock()
	defer x.mu.RUnlock()

	if k <= 0 || !x.exists {
		return nil, nil
	}
	if x.dim != 0 && len(query) != x.dim {
		return nil, fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, x.dim, len(query))
	}

	var points []*qdrant.ScoredPoint
	err := x.backend.retry(ctx, "search", func() error {
		res, err := x.backend.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: x.collection,
			Query:          qdrant.NewQuery(query...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("searching collection %s: %w", x.collection, err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		meta := payloadStrings(p.GetPayload())
		chunk, _ := strconv.Atoi(meta[MetaChunkIndex])
		d := cosineDistance(float64(p.GetScore()))
		matches = append(matches, Match{
			DocumentID: meta[MetaDocumentID],
			ChunkIndex: chunk,
			Content:    meta["content"],
			Distance:   d,
			Similarity: Similarity(d),
			Metadata:   meta,
		})
	}
	matches = rankMatches(matches, k, threshold)

	span.SetAttributes(attribute.Int("results", len(matches)))
	span.SetStatus(codes.Ok, "")
	return matches, nil
}

func (x *qdrantIndex) DeleteDocument(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if documentID == "" {
		return errors.New("document id required")
	}
	if !x.exists {
		return nil
	}
	err := x.backend.retry(ctx, "delete", func() error {
		_, err := x.backend.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: x.collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: MetaDocumentID,
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
									},
								},
							},
						}},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting document %s from %s: %w", documentID, x.collection, err)
	}
	return x.refreshCount(ctx)
}

func (x *qdrantIndex) Persist(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.exists {
		return nil
	}
	return x.refreshCount(ctx)
}

func (x *qdrantIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}

func (x *qdrantIndex) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

func (x *qdrantIndex) Model() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.model
}

func (x *qdrantIndex) ensureCollection(ctx context.Context, dim int) error {
	if x.exists {
		return nil
	}
	err := x.backend.retry(ctx, "create_collection", func() error {
		return x.backend.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: x.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		if st, ok := status.FromError(errors.Unwrap(err)); !ok || st.Code() != grpccodes.AlreadyExists {
			return fmt.Errorf("creating collection %s: %w", x.collection, err)
		}
	}
	x.exists = true
	return nil
}

// refresh reads the model of any stored point and the point count.
func (x *qdrantIndex) refresh(ctx context.Context) error {
	var points []*qdrant.RetrievedPoint
	err := x.backend.retry(ctx, "scroll", func() error {
		res, err := x.backend.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: x.collection,
			Limit:          qdrant.PtrOf(uint32(1)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		return err
	}
	if len(points) > 0 {
		x.model = payloadStrings(points[0].GetPayload())[MetaModel]
	}
	return x.refreshCount(ctx)
}

func (x *qdrantIndex) refreshCount(ctx context.Context) error {
	var n uint64
	err := x.backend.retry(ctx, "count", func() error {
		res, err := x.backend.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: x.collection,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	if err != nil {
		return err
	}
	x.count = int(n)
	return nil
}

func recordPayload(r Record) map[string]*qdrant.Value {
	payload := make(map[string]*qdrant.Value, len(r.Metadata)+4)
	for k, v := range r.Metadata {
		payload[k] = stringValue(v)
	}
	payload[MetaDocumentID] = stringValue(r.DocumentID)
	payload[MetaChunkIndex] = stringValue(strconv.Itoa(r.ChunkIndex))
	payload[MetaModel] = stringValue(r.Model)
	payload["content"] = stringValue(r.Content)
	return payload
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func payloadStrings(payload map[string]*qdrant.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			out[k] = strconv.FormatInt(val.IntegerValue, 10)
		case *qdrant.Value_DoubleValue:
			out[k] = strconv.FormatFloat(val.DoubleValue, 'f', -1, 64)
		case *qdrant.Value_BoolValue:
			out[k] = strconv.FormatBool(val.BoolValue)
		}
	}
	return out
}
