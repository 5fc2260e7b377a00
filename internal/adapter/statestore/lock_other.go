//go:build !unix

package statestore

import "os"

// Without flock only the in-process mutex protects the document, so a
// single gate process per data root is required on these platforms.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
