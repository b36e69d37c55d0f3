package room

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

var strictInvariants atomic.Bool

// SetStrictInvariants makes broken Room invariants panic instead of only
// being logged. Tests turn it on.
func SetStrictInvariants(strict bool) {
	strictInvariants.Store(strict)
}

// invariant logs a broken server-side invariant loudly and reports whether it held.
func (r *Room) invariant(ok bool, msg string, attrs ...any) bool {
	if ok {
		return true
	}
	attrs = append(attrs, slog.Bool("invariant", true))
	r.logger.Error("Room invariant violated: "+msg, attrs...)
	if strictInvariants.Load() {
		panic(fmt.Sprintf("room %s: invariant violated: %s", r.id, msg))
	}
	return false
}
