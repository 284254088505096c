//go:build !sqlite

package storage

import "fmt"

// DefaultStoreKind is the backend used when none is configured.
func DefaultStoreKind() string {
	return KindMemory
}

func newSQLiteStore(_ string) (Store, error) {
	return nil, fmt.Errorf("sqlite run store unavailable in this build; rebuild histonetctl with -tags sqlite")
}
