package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"

	"github.com/sentinelsec/rbacdb/internal/db/bunx"
)

// setupTestDB creates an isolated in-memory database with the full schema
func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := bunx.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })

	require.NoError(t, bunx.CreateSchema(context.Background(), db))
	return db
}

// testHasher keeps bcrypt cheap in tests
func testHasher() PasswordHasher {
	return BcryptHasher{Cost: bcrypt.MinCost}
}

// countingCache records how often managers fired the invalidation hook
type countingCache struct {
	invalidations int
}

func (c *countingCache) Invalidate() { c.invalidations++ }

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func strPtr(v string) *string { return &v }
