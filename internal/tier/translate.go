package tier

import (
	"context"
	stderr "errors"
	"strings"
	"syscall"

	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/types"
)

// fullSignatures are lower-cased message fragments that platforms use to say
// "out of space". Backends that implement types.FullClassifier are asked
// first; this list covers the ones that only give us text.
var fullSignatures = []string{
	"disk full",
	"disk is full",
	"no space left",
	"database or disk is full",
	"sqlite_full",
	"enospc",
	"quota exceeded",
	"quotaexceeded",
	"storage full",
	"not enough space",
	"xminiostoragefull",
	"insufficient storage",
}

// IsFull reports whether err means the backend is out of space.
func IsFull(err error, classifier any) bool {
	if err == nil {
		return false
	}
	if errors.IsBackendFull(err) {
		return true
	}
	if c, ok := classifier.(types.FullClassifier); ok && c.IsFull(err) {
		return true
	}
	if stderr.Is(err, syscall.ENOSPC) || stderr.Is(err, syscall.EDQUOT) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range fullSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// IsTooLarge reports whether err is a per-item size rejection from a backend
// that implements types.SizeClassifier.
func IsTooLarge(err error, classifier any) bool {
	if err == nil {
		return false
	}
	c, ok := classifier.(types.SizeClassifier)
	return ok && c.IsTooLarge(err)
}

// Translate maps a raw backend error to CAPACITY_EXCEEDED, BACKEND_FULL or
// BACKEND_ERROR. Errors that already carry a code pass through unchanged.
func Translate(err error, classifier any) error {
	if err == nil {
		return nil
	}

	if errors.CodeOf(err) != "" {
		return err
	}

	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrCodeBackendError, "backend call interrupted", err)
	}
	if IsTooLarge(err, classifier) {
		return errors.Wrap(errors.ErrCodeCapacityExceeded, "backend rejected item size", err)
	}
	if IsFull(err, classifier) {
		return errors.Wrap(errors.ErrCodeBackendFull, "backend reports no space", err)
	}
	return errors.Wrap(errors.ErrCodeBackendError, "backend operation failed", err)
}

func annotate(err error, t types.Tier, op, key string) error {
	var se *errors.StorageError
	if stderr.As(err, &se) {
		if se.Component == "" {
			se.WithComponent(t.String())
		}
		if se.Operation == "" {
			se.WithOperation(op)
		}
		if se.Tier == "" {
			se.WithTier(t.String())
		}
		if se.Key == "" && key != "" {
			se.WithKey(key)
		}
	}
	return err
}
