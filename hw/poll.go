// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hw

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/jpillora/backoff"
)

var ErrTimeout = errors.New("poll timeout")

// PollPolicy bounds a busy wait on a device condition.
// A zero Min spins without sleeping between attempts.
type PollPolicy struct {
	MaxAttempts int           `yaml:"attempts"`
	Min         time.Duration `yaml:"min"`
	Max         time.Duration `yaml:"max"`
	Factor      float64       `yaml:"factor"`
}

var DefaultPollPolicy = PollPolicy{
	MaxAttempts: 1000,
	Min:         time.Microsecond,
	Max:         time.Millisecond,
	Factor:      2,
}

// Poll calls done until it returns true, the attempts run out (ErrTimeout)
// or ctx is done.
func Poll(ctx context.Context, p PollPolicy, done func() bool) error {
	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: p.Factor,
	}
	for attempt := 1; ; attempt++ {
		if done() {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return ErrTimeout
		}
		if p.Min <= 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.Gosched()
			continue
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
