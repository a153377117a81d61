// Package fault attaches package sentinels to underlying causes.
//
// Every package declares its sentinels with zerr and classifies failures by
// wrapping the cause with one of them. The result matches both the sentinel
// and the cause under errors.Is, and its message reads "sentinel: cause".
//
//	if err := ctr.CopyTo(ctx, r, dir); err != nil {
//	    return fault.Wrap(ErrCopy, err)
//	}
package fault

import "fmt"

// Classifies err under sentinel. Returns nil when err is nil.
func Wrap(sentinel, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Classifies a formatted message under sentinel. The format may itself use
// %w to keep a cause reachable.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}
