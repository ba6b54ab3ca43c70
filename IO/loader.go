package IO

import (
	"context"
	"iter"
)

// Loader batches instances in sampler order. With NumWorkers > 0 collation
// runs on that many goroutines, but batches are still yielded in order.
type Loader struct {
	Instances  []Instance
	BatchSize  int
	Sampler    Sampler
	NumWorkers int
}

// Len is the number of batches in one pass.
func (l *Loader) Len() int {
	return (l.Sampler.Len() + l.BatchSize - 1) / l.BatchSize
}

func (l *Loader) chunks() [][]int {
	idx := l.Sampler.Indices()
	var out [][]int
	for start := 0; start < len(idx); start += l.BatchSize {
		out = append(out, idx[start:min(start+l.BatchSize, len(idx))])
	}
	return out
}

func (l *Loader) collate(ids []int) *Batch {
	insts := make([]Instance, len(ids))
	for i, id := range ids {
		insts[i] = l.Instances[id]
	}
	return PairedCollate(insts)
}

// Batches walks one pass. Stopping the range early releases the workers.
func (l *Loader) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		chunks := l.chunks()
		if l.NumWorkers <= 0 {
			for _, c := range chunks {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(l.collate(c), nil) {
					return
				}
			}
			return
		}

		done := make(chan struct{})
		defer close(done)
		results := make([]chan *Batch, len(chunks))
		for i := range results {
			results[i] = make(chan *Batch, 1)
		}
		jobs := make(chan int)
		go func() {
			defer close(jobs)
			for j := range chunks {
				select {
				case jobs <- j:
				case <-done:
					return
				}
			}
		}()
		for w := 0; w < l.NumWorkers; w++ {
			go func() {
				for j := range jobs {
					results[j] <- l.collate(chunks[j])
				}
			}()
		}

		for j := range chunks {
			select {
			case b := <-results[j]:
				if !yield(b, nil) {
					return
				}
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}
