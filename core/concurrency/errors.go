// File: core/concurrency/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "github.com/momentics/wsfork/api"

var (
	// ErrExecutorClosed indicates the executor has been shut down.
	ErrExecutorClosed = api.ErrExecutorClosed

	// ErrTaskTimeout indicates a task did not exit within its deadline.
	ErrTaskTimeout = api.ErrOperationTimeout
)
