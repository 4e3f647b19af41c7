package compute

import (
	"context"
	"fmt"
	"sync"
)

// Blocks returns the amount of blocks ForBlocks partitions n items into.
func Blocks(n, workers int) int {
	if n <= 0 {
		return 0
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		return n
	}
	return workers
}

// BlockRange returns the half open index range of block b of the partition
// of n items into nblocks contiguous blocks. Ranges depend only on the
// arguments, never on scheduling.
func BlockRange(b, n, nblocks int) (lo, hi int) {
	return b * n / nblocks, (b + 1) * n / nblocks
}

// ForBlocks partitions [0,n) into contiguous blocks and runs fn concurrently
// on each, one goroutine per block. It returns once every started block has
// returned. A panic inside fn is recovered and returned as an error.
// Blocks are not started once ctx is done.
func ForBlocks(ctx context.Context, n, workers int, fn func(block, lo, hi int)) error {
	nb := Blocks(n, workers)
	if nb == 0 {
		return ctx.Err()
	}
	if nb == 1 {
		// Avoid goroutine overhead for tiny dispatches.
		if err := ctx.Err(); err != nil {
			return err
		}
		return runBlock(fn, 0, 0, n)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for b := 0; b < nb; b++ {
		if ctx.Err() != nil {
			break
		}
		lo, hi := BlockRange(b, n, nb)
		wg.Add(1)
		go func(b, lo, hi int) {
			defer wg.Done()
			if err := runBlock(fn, b, lo, hi); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(b, lo, hi)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func runBlock(fn func(block, lo, hi int), b, lo, hi int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute: panic in block %d [%d,%d): %v", b, lo, hi, r)
		}
	}()
	fn(b, lo, hi)
	return nil
}
