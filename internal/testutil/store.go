package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/g960059/cmuxctl/internal/db"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenJournal(ctx, filepath.Join(t.TempDir(), "cmuxctl-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

var socketSeq atomic.Int64

// SocketPath returns a fresh socket path short enough for sun_path limits.
// t.TempDir paths on macOS routinely exceed them.
func SocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cmx")
	if err != nil {
		t.Fatalf("create socket dir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})
	return filepath.Join(dir, fmt.Sprintf("s%d.sock", socketSeq.Add(1)))
}
