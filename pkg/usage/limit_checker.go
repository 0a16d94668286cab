package usage

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/stordb/stor"
)

// DefaultLockCacheTTL bounds how stale a cached quota-lock flag can be. A
// lock set or lifted by a scan takes at most this long to become visible to
// writes.
const DefaultLockCacheTTL = 30 * time.Second

type LimitCheckerOptionFN func(*LimitChecker)

// LimitChecker gates writes on the quota-lock table. Lock flags are cached
// per owner/category with a short TTL so the hot path doesn't hit the
// database for every chunk of an upload.
type LimitChecker struct {
	locator  *drives.Locator
	lockStor stor.QuotaLockStor
	locked   *expirable.LRU[string, bool]
}

func NewLimitChecker(locator *drives.Locator, lockStor stor.QuotaLockStor, optFNs ...LimitCheckerOptionFN) *LimitChecker {
	c := &LimitChecker{
		locator:  locator,
		lockStor: lockStor,
		locked:   expirable.NewLRU[string, bool](4096, nil, DefaultLockCacheTTL),
	}

	for _, optfn := range optFNs {
		optfn(c)
	}

	return c
}

func WithLockCacheTTL(ttl time.Duration) LimitCheckerOptionFN {
	return func(c *LimitChecker) {
		c.locked = expirable.NewLRU[string, bool](4096, nil, ttl)
	}
}

// CheckLimit fails with QuotaExceeded when the drive's billing owner is
// locked for the drive's product category. Drives without a billing owner
// (shares) are never locked.
func (c *LimitChecker) CheckLimit(driveID int64) error {
	drive, err := c.locator.ResolveDrive(driveID)
	if err != nil {
		return err
	}

	username, project, ok := drive.BillingOwner()
	if !ok {
		return nil
	}

	locked, err := c.isLocked(drive.System, username, project)
	if err != nil {
		return err
	}

	if locked {
		return fserr.QuotaExceeded()
	}

	return nil
}

func (c *LimitChecker) isLocked(category, username, project string) (bool, error) {
	key := category + "\x00" + username + "\x00" + project

	if locked, ok := c.locked.Get(key); ok {
		return locked, nil
	}

	locked, err := c.lockStor.IsLocked(category, optional(username), optional(project))
	if err != nil {
		return false, fserr.Internalf("checking quota lock for %s: %s", key, err)
	}

	c.locked.Add(key, locked)

	return locked, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
