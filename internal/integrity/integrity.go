// Package integrity creates, verifies and upgrades the RBAC database file.
// It runs once at startup, before any manager serves requests.
package integrity

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/uptrace/bun"

	"github.com/sentinelsec/rbacdb/internal/config"
	"github.com/sentinelsec/rbacdb/internal/db/bunx"
	"github.com/sentinelsec/rbacdb/internal/db/models"
	"github.com/sentinelsec/rbacdb/internal/defaults"
	"github.com/sentinelsec/rbacdb/internal/rbac"
)

// Checker drives the startup integrity check. Ownership fixing and the final
// file swap are delegated so the checker itself stays testable without root.
type Checker struct {
	cfg    *config.Config
	owner  FileOwner
	mover  Mover
	hasher rbac.PasswordHasher
	cache  rbac.Invalidator
}

// NewChecker creates a checker. owner and mover default to the OS-backed
// implementations when nil. Seeding and migration run through the same
// decision cache the managers use at runtime, so a completed check leaves no
// stale authorization decisions behind.
func NewChecker(cfg *config.Config, owner FileOwner, mover Mover) *Checker {
	if owner == nil {
		owner = OSFileOwner{UID: -1, GID: -1}
	}
	if mover == nil {
		mover = RenameMover{}
	}
	var cache rbac.Invalidator
	if c, err := rbac.NewDecisionCache(cfg.DecisionCacheSize); err == nil {
		cache = c
	}
	return &Checker{cfg: cfg, owner: owner, mover: mover, hasher: &rbac.BcryptHasher{}, cache: cache}
}

// Check ensures the database file exists, is owned correctly and carries the
// expected schema version, upgrading it through a temp file when it does
// not. On upgrade failure the original file is left intact. The temp file is
// always removed before returning.
func (c *Checker) Check(ctx context.Context) error {
	dbPath := c.cfg.DatabasePath()
	tmpPath := c.cfg.TempDatabasePath()

	defer func() {
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	log.Printf("integrity: checking RBAC database at %s", dbPath)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Printf("integrity: database not found, creating a new one")
		if err := c.freshInstall(ctx, dbPath); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		log.Printf("integrity: database created successfully")
		return nil
	}

	if err := c.owner.FixOwnership(dbPath); err != nil {
		return fmt.Errorf("fix database ownership: %w", err)
	}

	source, err := bunx.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer bunx.Close(source)

	current, err := bunx.UserVersion(ctx, source)
	if err != nil {
		return fmt.Errorf("read database version: %w", err)
	}
	if current >= c.cfg.Revision {
		log.Printf("integrity: database version %d is current", current)
		return nil
	}

	log.Printf("integrity: migration required, current version is %d but should be %d", current, c.cfg.Revision)
	if err := c.upgrade(ctx, source, dbPath, tmpPath); err != nil {
		// The original file is untouched; the caller keeps running on it.
		log.Printf("integrity: migration failed, keeping the previous database: %v", err)
		return fmt.Errorf("upgrade database: %w", err)
	}
	log.Printf("integrity: database upgraded to version %d", c.cfg.Revision)
	return nil
}

// freshInstall creates, seeds and stamps a brand new database file.
func (c *Checker) freshInstall(ctx context.Context, path string) error {
	db, err := bunx.Open(path)
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	if err := bunx.CreateSchema(ctx, db); err != nil {
		return err
	}
	if err := c.owner.FixOwnership(path); err != nil {
		return err
	}
	if err := c.seedDefaults(ctx, db); err != nil {
		return err
	}
	return bunx.SetUserVersion(ctx, db, c.cfg.Revision)
}

// upgrade builds a fresh seeded temp database, copies the user data over in
// two passes and atomically swaps the files.
func (c *Checker) upgrade(ctx context.Context, source *bun.DB, dbPath, tmpPath string) error {
	if _, err := os.Stat(tmpPath); err == nil {
		if err := os.Remove(tmpPath); err != nil {
			return fmt.Errorf("remove stale temp file: %w", err)
		}
	}

	target, err := bunx.Open(tmpPath)
	if err != nil {
		return err
	}
	swapped := false
	defer func() {
		if !swapped {
			bunx.Close(target)
		}
	}()

	if err := bunx.CreateSchema(ctx, target); err != nil {
		return err
	}
	if err := c.owner.FixOwnership(tmpPath); err != nil {
		return err
	}
	if err := c.seedDefaults(ctx, target); err != nil {
		return err
	}

	ts := newStores(target, c.hasher, c.cache)
	if err := migrateData(ctx, source, target, ts, rbac.CloudReservedRange, rbac.MaxReserved, models.ResourceTypeProtected); err != nil {
		return err
	}
	if err := migrateData(ctx, source, target, ts, rbac.MaxReserved+1, 0, models.ResourceTypeUser); err != nil {
		return err
	}

	if err := bunx.SetUserVersion(ctx, target, c.cfg.Revision); err != nil {
		return err
	}
	if err := bunx.Close(target); err != nil {
		return err
	}
	swapped = true

	if err := bunx.Close(source); err != nil {
		return err
	}
	if err := c.mover.Move(tmpPath, dbPath); err != nil {
		return err
	}
	return c.owner.FixOwnership(dbPath)
}

func (c *Checker) seedDefaults(ctx context.Context, db *bun.DB) error {
	ts := newStores(db, c.hasher, c.cache)
	loader := defaults.NewLoader(defaults.Managers{
		Users:         ts.users,
		Roles:         ts.roles,
		Rules:         ts.rules,
		Policies:      ts.policies,
		UserRoles:     ts.userRoles,
		RolesPolicies: ts.rolesPolicies,
		RolesRules:    ts.rolesRules,
	})
	return loader.Load(ctx)
}
