package storage

import (
	"context"

	"buyscope/internal/model"
)

// PoolSink receives pools observed by the new-pool scanner.
type PoolSink interface {
	PutPoolBatch(ctx context.Context, pools []model.PoolCreation) error
}
