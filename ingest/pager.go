package ingest

import (
	"context"
	"encoding/json"
)

// Pager streams pages from the source with backpressure: the consumer pulls
// the next page only when it is ready to process it, so memory stays bounded
// regardless of how many records the criteria matches.
type Pager struct {
	source   Source
	criteria string
	limit    int
	offset   int
	done     bool
}

func NewPager(source Source, criteria string, limit int) *Pager {
	if limit <= 0 {
		limit = 100
	}
	return &Pager{source: source, criteria: criteria, limit: limit}
}

// Next fetches the next page. ok is false once pagination is exhausted:
// a page shorter than the requested limit terminates the stream.
func (p *Pager) Next(ctx context.Context) (records []json.RawMessage, ok bool, err error) {
	if p.done {
		return nil, false, nil
	}
	records, err = p.source.FetchPage(ctx, p.criteria, p.offset, p.limit)
	if err != nil {
		return nil, false, err
	}
	p.offset += len(records)
	if len(records) < p.limit {
		p.done = true
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records, true, nil
}
