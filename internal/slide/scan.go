package slide

import (
	"context"
	"sync"
)

// ScanEntry summarizes the sample served for one requested index.
type ScanEntry struct {
	Index      int `csv:"index" json:"index"`
	Resolved   int `csv:"resolved" json:"resolved"`
	Skipped    int `csv:"skipped" json:"skipped"`
	Objects    int `csv:"objects" json:"objects"`
	Foreground int `csv:"foreground_pixels" json:"foreground_pixels"`
}

// Scan retrieves every sample of ds with up to workers concurrent readers.
// done, when set, is called once per finished index. The first failure
// cancels the remaining indices.
func Scan(ctx context.Context, ds *Dataset, workers int, done func()) ([]ScanEntry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	n := ds.Len()
	if n == 0 {
		return nil, nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	type result struct {
		idx   int
		entry ScanEntry
		err   error
	}

	jobs := make(chan int)
	results := make(chan result, n)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: idx, err: err}
					continue
				}
				sample, err := ds.Get(ctx, idx)
				if done != nil {
					done()
				}
				if err != nil {
					results <- result{idx: idx, err: err}
					cancel()
					continue
				}
				results <- result{idx: idx, entry: summarize(idx, n, sample)}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()
	close(results)

	entries := make([]ScanEntry, n)
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		entries[res.idx] = res.entry
	}
	return entries, nil
}

func summarize(idx, n int, sample Sample) ScanEntry {
	foreground := 0
	for _, v := range sample.Label.Data() {
		if v != 0 {
			foreground++
		}
	}
	return ScanEntry{
		Index:      idx,
		Resolved:   sample.Index,
		Skipped:    (sample.Index - idx + n) % n,
		Objects:    sample.Objects(),
		Foreground: foreground,
	}
}
