package datastore

import (
	"context"

	"github.com/jordanlanch/funnelsync/pkg/models"
)

// Existing is the freshness view of a stored opportunity
type Existing struct {
	ID         int64  `json:"id"`
	UpdateDate string `json:"update_date"`
}

// WriteResult reports what an insert or update touched
type WriteResult struct {
	RowsAffected int
	Rows         []models.Record
}

// Store is the datastore contract the reconciler and verifier depend on
type Store interface {
	Exists(ctx context.Context, id int64) (*Existing, error)
	Lookup(ctx context.Context, ids []int64) (map[int64]Existing, error)
	Insert(ctx context.Context, rec models.Record) (WriteResult, error)
	Update(ctx context.Context, id int64, rec models.Record) (WriteResult, error)
	Ping(ctx context.Context) error
}

// lookupChunk bounds the number of ids per lookup request
const lookupChunk = 100

func chunk(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
