// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"fmt"
	"time"
)

// Retry calls fn until it succeeds, attempts calls were made or the context
// is done. The wait between calls doubles after each failure, starting at
// backoff.
func Retry(ctx context.Context, name string, attempts int,
	backoff time.Duration, fn func(ctx context.Context) error) error {

	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		log.Debugf("%s failed (attempt %d/%d), retrying in %v: %v",
			name, attempt, attempts, backoff, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %w)", name,
				ctx.Err(), err)
		}
		backoff *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts,
		err)
}
