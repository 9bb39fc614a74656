//go:build !unix

package cluster

import "os"

// tryLockFile is a stub on non-Unix platforms; the underlying filesystem is
// expected to provide its own serialization semantics.
func tryLockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to tryLockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }

func isLockContended(err error) bool { return false }
