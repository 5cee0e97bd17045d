package storage

import (
	"context"
	"errors"

	"github.com/ruteri/spacestore/interfaces"
)

// PageFetcher returns the page of ids following marker; an empty marker
// requests the first page and an empty page ends the sequence.
type PageFetcher func(ctx context.Context, marker string) ([]string, error)

// ContentIterator lazily walks a marker-paginated listing. It keeps only the
// current page in memory and uses the last returned id as the next marker.
type ContentIterator struct {
	fetch    PageFetcher
	page     []string
	index    int
	lastItem string
	fetched  bool
	done     bool
}

var _ interfaces.ContentIterator = (*ContentIterator)(nil)

// NewContentIterator returns an iterator over the pages produced by fetch.
func NewContentIterator(fetch PageFetcher) *ContentIterator {
	return &ContentIterator{fetch: fetch}
}

// HasNext reports whether Next will return an id, fetching the next page
// when the current one is exhausted.
func (it *ContentIterator) HasNext(ctx context.Context) (bool, error) {
	if it.index < len(it.page) {
		return true, nil
	}
	if it.done || (it.fetched && len(it.page) == 0) {
		it.done = true
		return false, nil
	}

	page, err := it.fetch(ctx, it.lastItem)
	if err != nil {
		return false, err
	}
	it.fetched = true
	it.page = page
	it.index = 0
	if len(page) == 0 {
		it.done = true
		return false, nil
	}
	return true, nil
}

// Next returns the next id, or interfaces.ErrNoMoreElements once exhausted.
func (it *ContentIterator) Next(ctx context.Context) (string, error) {
	ok, err := it.HasNext(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", interfaces.ErrNoMoreElements
	}
	item := it.page[it.index]
	it.index++
	it.lastItem = item
	return item, nil
}

// NewSliceIterator returns an iterator over a fixed list of ids.
func NewSliceIterator(items []string) *ContentIterator {
	served := false
	return NewContentIterator(func(ctx context.Context, marker string) ([]string, error) {
		if served {
			return nil, nil
		}
		served = true
		return items, nil
	})
}

// Collect drains it into a slice.
func Collect(ctx context.Context, it interfaces.ContentIterator) ([]string, error) {
	var out []string
	for {
		item, err := it.Next(ctx)
		if errors.Is(err, interfaces.ErrNoMoreElements) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}

// chunkedIterator builds a ContentIterator from a provider's chunked listing.
func chunkedIterator(p interfaces.StorageProvider, spaceID, prefix string) *ContentIterator {
	return NewContentIterator(func(ctx context.Context, marker string) ([]string, error) {
		return p.GetSpaceContentsChunked(ctx, spaceID, prefix, interfaces.DefaultMaxResults, marker)
	})
}

// countContents counts the items of a space by walking its listing.
func countContents(ctx context.Context, p interfaces.StorageProvider, spaceID string) (int64, error) {
	it := chunkedIterator(p, spaceID, "")
	var count int64
	for {
		ok, err := it.HasNext(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return count, nil
		}
		count += int64(len(it.page) - it.index)
		it.index = len(it.page)
		it.lastItem = it.page[len(it.page)-1]
	}
}
