// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "errors"

// ErrAbort is the only recoverable transaction error. Container
// operations return it when a conflict makes the current execution
// unserializable; Atomically catches it, unwinds all speculative state,
// and re-runs the transaction. Code above the transactional closure
// never observes it.
var ErrAbort = errors.New("stm: transaction aborted")
