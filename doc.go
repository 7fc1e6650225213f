// Package strata implements the write path of a distributed vector
// database shard: a durable append log, a background compactor that
// folds records into immutable ANN-indexed segments, and a query
// merger that serves nearest neighbour searches over segments plus the
// uncompacted tail under snapshot isolation.
//
// # Architecture
//
// Writes append to a per-log ordered record stream and are
// acknowledged only once durable. A background compactor reads batches
// above the compaction watermark, builds content-addressed segment
// blocks with an HNSW index, and advances the watermark with a
// conditional commit carrying a fencing token, so concurrent
// compactors resolve every batch to exactly one registered segment.
// Queries fan out over sealed segments and brute-force scan the tail,
// merging by distance with dedup per record id.
//
// # Quick start
//
//	ctx := context.Background()
//	db, err := strata.New(128,
//	    strata.WithMetric(distance.MetricCosine),
//	    strata.WithLogger(strata.NewTextLogger(slog.LevelInfo)))
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	logID, _ := db.CreateLog(ctx)
//	offset, err := db.Append(ctx, logID, &model.LogRecord{
//	    Kind:   model.KindInsert,
//	    ID:     42,
//	    Vector: vec,
//	})
//
//	resp, err := db.Query(ctx, logID, queryVec, 10, nil)
//
// Production deployments swap the in-memory defaults for durable
// backends: file-backed log sinks (WithSinkFactory), S3 or MinIO blob
// storage (WithBlobStore) and a DynamoDB metadata store
// (WithMetaStore).
package strata
