// SPDX-FileCopyrightText: Copyright (c) 2023, CIQ, Inc. All rights reserved
// SPDX-License-Identifier: Apache-2.0

package sighandler

import (
	"context"
	"os"
	"os/signal"
)

// WaitFunc blocks the caller until an error is sent on errCh, which it
// returns, or, when returnOnCancel is true, until the context is
// cancelled (by an OS signal or by someone else). With returnOnCancel
// false, an OS signal cancels the context but WaitFunc keeps waiting
// for errCh.
type WaitFunc func(returnOnCancel bool) error

// New wires ctx to cancel on any of the given signals or on a send to
// errCh, and returns a WaitFunc that blocks until that happens. A
// partisan node uses this to drive its daemon main loop: SIGTERM or
// SIGINT cancels the returned context, while an error pushed onto errCh
// (a fatal listener failure, say) propagates out of WaitFunc so main
// can exit non-zero.
func New(errCh chan error, signals ...os.Signal) (context.Context, WaitFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, signals...)

	ctx, cancel := context.WithCancel(context.Background())

	return ctx, func(returnOnCancel bool) error {
		for {
			select {
			case <-ctx.Done():
				if returnOnCancel {
					return nil
				}
			case <-quit:
				cancel()
			case err := <-errCh:
				cancel()
				return err
			}
		}
	}
}
