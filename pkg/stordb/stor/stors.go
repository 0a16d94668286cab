package stor

import (
	"time"

	"github.com/strandcloud/strand/pkg/stordb/model"
	"gorm.io/gorm"
)

type DriveStor interface {
	// CreateDrive inserts the drive row. On a collection-id conflict only the
	// system column is updated, so a system migration doesn't require
	// re-registration.
	CreateDrive(drive *model.Drive) (*model.Drive, error)
	GetDriveByCollectionID(collectionID int64) (*model.Drive, error)
	// FindDriveByProperties resolves the (type, localReference, project)
	// tuple. More than one match is a data-integrity failure.
	FindDriveByProperties(driveType, localReference string, project *string) (*model.Drive, error)
	FindSystemForProject(project string) (system string, inMaintenance bool, err error)
	ListDrivesForProject(project string) ([]model.Drive, error)
	// ListDrives pages by collection id ascending, keyset style. Pass 0 to
	// start from the beginning.
	ListDrives(filterType string, afterCollectionID int64, limit int) ([]model.Drive, error)
	SetMaintenanceMode(collectionIDs []int64, maintenance bool) error
	SetSystem(collectionIDs []int64, system string) error
}

type TaskStor interface {
	CreateTask(task *model.StorageTask) (*model.StorageTask, error)
	GetTaskByID(id string) (*model.StorageTask, error)
	// FindClaimableTask returns one incomplete task whose last update is nil
	// or older than the lease window, and that isn't already owned by
	// processorID. Returns nil when nothing is claimable.
	FindClaimableTask(processorID string, leaseWindow time.Duration) (*model.StorageTask, error)
	// ClaimTask compare-and-sets the processor column from previousOwner to
	// processorID. Returns false when another processor won the race.
	ClaimTask(id string, previousOwner *string, processorID string) (bool, error)
	SaveTaskRequirements(id string, requirements string) error
	SaveTaskProgress(id string, progress string) error
	MarkTaskComplete(id string) error
}

type QuotaLockStor interface {
	AddLock(lock *model.QuotaLock) error
	// IsLocked reports whether any scan currently flags the owner/category.
	IsLocked(category string, username, project *string) (bool, error)
	// DeleteLocksFromOtherScans removes locks created by earlier scans, which
	// lifts every lock the scan identified by keepScanID did not re-flag.
	DeleteLocksFromOtherScans(keepScanID string) error
}

type ScanRunStor interface {
	LastRun(name string) (time.Time, bool, error)
	RecordRun(name string, at time.Time) error
}

// Stors is the aggregate handed to components that need several stores.
type Stors struct {
	DriveStor     DriveStor
	TaskStor      TaskStor
	QuotaLockStor QuotaLockStor
	ScanRunStor   ScanRunStor
}

func NewGormStors(db *gorm.DB) *Stors {
	return &Stors{
		DriveStor:     NewGormDriveStor(db),
		TaskStor:      NewGormTaskStor(db),
		QuotaLockStor: NewGormQuotaLockStor(db),
		ScanRunStor:   NewGormScanRunStor(db),
	}
}
