package vecbit

import (
	"context"
	"iter"

	"github.com/hupe1980/vecbit/metadata"
)

// DefaultK is the number of results a Query returns unless KNN is set.
const DefaultK = 10

// Query creates a fluent search builder for the given embedding.
//
// Example:
//
//	results, err := db.Query(embedding).
//	    KNN(10).
//	    Where(metadata.And(metadata.Eq("category", "a"), metadata.Gte("year", 2020))).
//	    Execute(ctx)
//
//	// Or with streaming:
//	for result, err := range db.Query(embedding).KNN(100).Stream(ctx) {
//	    if err != nil { break }
//	    if result.Distance > threshold { break }
//	    process(result)
//	}
func (db *DB) Query(embedding []float32) *QueryBuilder {
	return &QueryBuilder{
		db:        db,
		embedding: embedding,
		k:         DefaultK,
	}
}

// QueryBuilder is a fluent builder for constructing search queries.
type QueryBuilder struct {
	db        *DB
	embedding []float32
	k         int
	filter    *metadata.Filter
	err       error
}

// KNN sets the number of nearest neighbors to return.
func (qb *QueryBuilder) KNN(k int) *QueryBuilder {
	qb.k = k
	return qb
}

// Where restricts results to records matching filter. Calling Where again
// combines the filters with And.
func (qb *QueryBuilder) Where(filter *metadata.Filter) *QueryBuilder {
	switch {
	case filter == nil:
	case qb.filter == nil:
		qb.filter = filter
	default:
		qb.filter = metadata.And(qb.filter, filter)
	}
	return qb
}

// WhereJSON is Where with a filter in JSON form. A parse error is reported
// by Execute.
func (qb *QueryBuilder) WhereJSON(filterJSON []byte) *QueryBuilder {
	f, err := metadata.ParseFilter(filterJSON)
	if err != nil {
		qb.err = translateError(err)
		return qb
	}
	return qb.Where(f)
}

// Execute runs the search and returns the results.
func (qb *QueryBuilder) Execute(ctx context.Context) ([]Result, error) {
	if qb.err != nil {
		return nil, qb.err
	}
	return qb.db.Search(ctx, qb.embedding, qb.filter, qb.k)
}

// MustExecute runs the search, panicking on error.
// Use this only in tests or when you're certain the query is valid.
func (qb *QueryBuilder) MustExecute(ctx context.Context) []Result {
	results, err := qb.Execute(ctx)
	if err != nil {
		panic(err)
	}
	return results
}

// Stream returns an iterator over search results.
// Results are yielded in order from nearest to farthest.
// The iterator supports early termination by breaking from the loop.
func (qb *QueryBuilder) Stream(ctx context.Context) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		results, err := qb.Execute(ctx)
		if err != nil {
			yield(Result{}, err)
			return
		}
		for _, r := range results {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// First returns only the nearest result, or ErrNotFound if nothing matches.
func (qb *QueryBuilder) First(ctx context.Context) (Result, error) {
	qb.k = 1
	results, err := qb.Execute(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		return Result{}, ErrNotFound
	}
	return results[0], nil
}

// Count returns the number of records matching the filter, ignoring KNN.
func (qb *QueryBuilder) Count(ctx context.Context) (int, error) {
	if qb.err != nil {
		return 0, qb.err
	}
	plan, err := qb.db.Explain(qb.filter)
	if err != nil {
		return 0, err
	}
	if plan.Candidates == 0 {
		return 0, nil
	}
	results, err := qb.db.Search(ctx, qb.embedding, qb.filter, int(plan.Candidates))
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Exists checks if at least one record matches the filter.
func (qb *QueryBuilder) Exists(ctx context.Context) (bool, error) {
	qb.k = 1
	results, err := qb.Execute(ctx)
	if err != nil {
		return false, err
	}
	return len(results) > 0, nil
}
