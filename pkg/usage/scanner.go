package usage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/hashicorp/go-uuid"
	"github.com/saracen/walker"
	"github.com/strandcloud/strand/pkg/config"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
	"github.com/strandcloud/strand/pkg/stordb/model"
	"github.com/strandcloud/strand/pkg/stordb/stor"
)

// ScanName keys the usage scan's run record, which throttles it to at most
// one run per interval across process restarts.
const ScanName = "usage-scan"

// DefaultScanInterval is how often usage is measured and billed.
const DefaultScanInterval = time.Hour

// RecursiveSizeAttr is the recursive-size extended attribute maintained by
// filesystems that support it. Reading it replaces a full subtree walk.
const RecursiveSizeAttr = "ceph.dir.rbytes"

// BytesPerUnit is one billing unit: a gigabyte. Byte totals are floored, so
// a drive below one gigabyte bills zero units.
const BytesPerUnit int64 = 1_000_000_000

const (
	scanChunkSize     = 50
	maxChargeAttempts = 3

	// Circuit breaker: a scan aborts when more than breakerRatioPercent of
	// charges have failed after at least breakerMinAttempts of them.
	breakerMinAttempts  = 100
	breakerRatioPercent = 10
)

// ownerKey identifies who gets one charge: an owner plus a product
// category. Exactly one of username and project is set.
type ownerKey struct {
	username string
	project  string
	category string
}

// dataPoint accumulates recursive byte usage for one owner/category across
// every drive that bills to it.
type dataPoint struct {
	key   ownerKey
	bytes int64
}

type ScannerOptionFN func(*Scanner)

// Scanner runs the periodic usage scan: it measures every drive's recursive
// size, bills each owner per product category, and maintains the quota-lock
// table from the accounting results.
type Scanner struct {
	fs          *nativefs.FS
	locator     *drives.Locator
	client      ctrl.Client
	lockStor    stor.QuotaLockStor
	scanRunStor stor.ScanRunStor
	systems     *config.SystemsConfig
	interval    time.Duration

	scanning atomic.Bool

	// Process-wide charge failure accounting for the circuit breaker.
	attemptedCharges atomic.Int64
	failedCharges    atomic.Int64
}

func NewScanner(fs *nativefs.FS, locator *drives.Locator, client ctrl.Client, stors *stor.Stors, systems *config.SystemsConfig, optFNs ...ScannerOptionFN) *Scanner {
	s := &Scanner{
		fs:          fs,
		locator:     locator,
		client:      client,
		lockStor:    stors.QuotaLockStor,
		scanRunStor: stors.ScanRunStor,
		systems:     systems,
		interval:    DefaultScanInterval,
	}

	for _, optfn := range optFNs {
		optfn(s)
	}

	return s
}

func WithScanInterval(d time.Duration) ScannerOptionFN {
	return func(s *Scanner) {
		s.interval = d
	}
}

// Run scans on the configured interval until ctx is cancelled. Scan itself
// rechecks the run record, so waking up early is harmless.
func (s *Scanner) Run(ctx context.Context) {
	for {
		if err := s.Scan(ctx); err != nil {
			log.Errorf("usage scan failed: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval / 4):
		}
	}
}

// Scan performs one usage scan. A scan already in progress in this process
// makes the call a no-op, as does a scan recorded within the last interval.
func (s *Scanner) Scan(ctx context.Context) error {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil
	}
	defer s.scanning.Store(false)

	lastRun, found, err := s.scanRunStor.LastRun(ScanName)
	if err != nil {
		return fserr.Internalf("reading last scan run: %s", err)
	}
	if found && time.Since(lastRun) < s.interval {
		return nil
	}

	scanID, err := uuid.GenerateUUID()
	if err != nil {
		return fserr.Internalf("generating scan id: %s", err)
	}

	points := make(map[ownerKey]*dataPoint)
	for _, system := range s.systems.Systems {
		if err := s.scanSystem(ctx, system, points); err != nil {
			return err
		}
	}

	if err := s.charge(scanID, points); err != nil {
		return err
	}

	if err := s.scanRunStor.RecordRun(ScanName, time.Now()); err != nil {
		return fserr.Internalf("recording scan run: %s", err)
	}

	// Every lock the accounting service didn't re-flag under this scan id
	// lifts here.
	if err := s.lockStor.DeleteLocksFromOtherScans(scanID); err != nil {
		return fserr.Internalf("lifting stale quota locks: %s", err)
	}

	log.Infof("usage scan %s charged %d owner/category keys", scanID, len(points))

	return nil
}

// scanSystem walks the system's three drive roots. Collections and personal
// homes hold one drive per child; project roots hold repository drives plus
// the per-member file areas one level deeper.
func (s *Scanner) scanSystem(ctx context.Context, system config.System, points map[ownerKey]*dataPoint) error {
	for _, root := range []string{"collections", "home"} {
		driveRoots, err := s.listDir(filepath.Join(system.MountPath, root))
		if err != nil {
			return err
		}
		if err := s.measureChunked(ctx, driveRoots, points); err != nil {
			return err
		}
	}

	projectsRoot := filepath.Join(system.MountPath, "projects")
	projectDirs, err := s.listDir(projectsRoot)
	if err != nil {
		return err
	}

	var driveRoots []string
	for _, projectDir := range projectDirs {
		children, err := s.listDir(projectDir)
		if err != nil {
			return err
		}

		for _, child := range children {
			if filepath.Base(child) != drives.MemberFilesDirName {
				driveRoots = append(driveRoots, child)
				continue
			}

			memberDirs, err := s.listDir(child)
			if err != nil {
				return err
			}
			driveRoots = append(driveRoots, memberDirs...)
		}
	}

	return s.measureChunked(ctx, driveRoots, points)
}

// listDir returns the full paths of a directory's children. A missing root
// simply has no drives yet.
func (s *Scanner) listDir(physicalPath string) ([]string, error) {
	names, err := s.fs.ListFiles(physicalPath)
	if err != nil {
		// Missing roots have no drives yet; stray files among the drive
		// directories aren't drives.
		if fserr.IsNotFound(err) || fserr.IsKind(err, fserr.KindIsDirectoryConflict) {
			return nil, nil
		}
		return nil, err
	}

	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(physicalPath, name))
	}

	return paths, nil
}

func (s *Scanner) measureChunked(ctx context.Context, driveRoots []string, points map[ownerKey]*dataPoint) error {
	for start := 0; start < len(driveRoots); start += scanChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + scanChunkSize
		if end > len(driveRoots) {
			end = len(driveRoots)
		}

		for _, driveRoot := range driveRoots[start:end] {
			s.measure(driveRoot, points)
		}
	}

	return nil
}

// measure resolves one drive root against the registry and adds its
// recursive size to the owner's data point. Unresolvable or ownerless paths
// are skipped; a scan never fails because one directory is odd.
func (s *Scanner) measure(driveRoot string, points map[ownerKey]*dataPoint) {
	drive, err := s.locator.ResolveByPhysicalPath(driveRoot)
	if err != nil {
		log.Debugf("usage scan skipping %s: %s", driveRoot, err)
		return
	}

	username, project, ok := drive.BillingOwner()
	if !ok {
		log.Debugf("usage scan skipping %s: drive %d has no billing owner", driveRoot, drive.CollectionID)
		return
	}

	size, err := s.recursiveSize(driveRoot)
	if err != nil {
		log.Errorf("usage scan could not size %s: %s", driveRoot, err)
		return
	}

	key := ownerKey{username: username, project: project, category: drive.System}
	point, ok := points[key]
	if !ok {
		point = &dataPoint{key: key}
		points[key] = point
	}
	point.bytes += size
}

// recursiveSize measures a subtree, preferring the filesystem-maintained
// recursive-size attribute and falling back to a concurrent walk.
func (s *Scanner) recursiveSize(physicalPath string) (int64, error) {
	value, ok, err := s.fs.GetExtendedAttribute(physicalPath, RecursiveSizeAttr)
	if err == nil && ok {
		if size, perr := strconv.ParseInt(value, 10, 64); perr == nil {
			return size, nil
		}
	}

	var total atomic.Int64
	err = walker.Walk(physicalPath, func(pathname string, fi os.FileInfo) error {
		if fi.Mode().IsRegular() {
			total.Add(fi.Size())
		}
		return nil
	})
	if err != nil {
		return 0, fserr.Internalf("walking %s: %s", physicalPath, err)
	}

	return total.Load(), nil
}

// charge turns the accumulated data points into accounting charges: one
// bulk attempt with bounded retries, then per-item fallback for whatever the
// bulk path couldn't deliver. Owners the accounting service reports as out
// of funds get a quota-lock row under this scan's id.
func (s *Scanner) charge(scanID string, points map[ownerKey]*dataPoint) error {
	charges := buildCharges(points)
	if len(charges) == 0 {
		return nil
	}

	results, err := s.reportWithRetry(charges)
	if err == nil {
		s.attemptedCharges.Add(int64(len(charges)))
	} else {
		log.Errorf("bulk usage charge failed, falling back to per-item charges: %s", err)

		results = make([]ctrl.UsageChargeResult, len(charges))
		for i := range charges {
			s.attemptedCharges.Add(1)

			single, serr := s.reportWithRetry(charges[i : i+1])
			if serr != nil {
				s.failedCharges.Add(1)
				log.Errorf("usage charge for %+v failed, skipping: %s", charges[i].Owner, serr)

				if s.breakerTripped() {
					return fserr.Internalf("aborting usage scan: charge failure ratio exceeded")
				}
				continue
			}

			results[i] = single[0]
		}
	}

	for i, result := range results {
		if !result.InsufficientFunds {
			continue
		}
		if err := s.addLock(scanID, charges[i]); err != nil {
			return err
		}
	}

	return nil
}

func buildCharges(points map[ownerKey]*dataPoint) []ctrl.UsageCharge {
	var charges []ctrl.UsageCharge
	for _, point := range points {
		units := point.bytes / BytesPerUnit
		if units < 0 {
			log.Errorf("discarding nonsense usage of %d bytes for %+v", point.bytes, point.key)
			continue
		}

		charges = append(charges, ctrl.UsageCharge{
			Owner: ctrl.ChargeOwner{
				Username: optional(point.key.username),
				Project:  optional(point.key.project),
			},
			Category: point.key.category,
			Units:    units,
		})
	}

	// Map order isn't stable; charge order should be.
	sort.Slice(charges, func(i, j int) bool {
		a, b := charges[i], charges[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return chargeOwnerString(a.Owner) < chargeOwnerString(b.Owner)
	})

	return charges
}

func chargeOwnerString(owner ctrl.ChargeOwner) string {
	if owner.Project != nil {
		return "p:" + *owner.Project
	}
	if owner.Username != nil {
		return "u:" + *owner.Username
	}
	return ""
}

func (s *Scanner) reportWithRetry(charges []ctrl.UsageCharge) ([]ctrl.UsageChargeResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxChargeAttempts; attempt++ {
		results, err := s.client.ReportUsage(charges)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}

	return nil, lastErr
}

func (s *Scanner) breakerTripped() bool {
	attempted := s.attemptedCharges.Load()
	if attempted < breakerMinAttempts {
		return false
	}

	return s.failedCharges.Load()*100 > attempted*breakerRatioPercent
}

func (s *Scanner) addLock(scanID string, charge ctrl.UsageCharge) error {
	lock := &model.QuotaLock{
		ScanID:   scanID,
		Category: charge.Category,
		Username: charge.Owner.Username,
		Project:  charge.Owner.Project,
	}

	if err := s.lockStor.AddLock(lock); err != nil {
		return fserr.Internalf("recording quota lock for %+v: %s", charge.Owner, err)
	}

	log.Infof("quota locked %s for %+v", charge.Category, charge.Owner)

	return nil
}
