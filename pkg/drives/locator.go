package drives

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/strandcloud/strand/pkg/config"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/stordb/stor"
)

// MemberFilesDirName is the directory under a project's root that holds the
// per-member file areas.
const MemberFilesDirName = "Members' Files"

// EnumeratePageSize is the fixed page size for drive enumeration.
const EnumeratePageSize = 250

// Locator owns the drive registry: registration, lookup by virtual id, and
// the inverse lookup from a physical path back to its drive.
type Locator struct {
	driveStor stor.DriveStor
	client    ctrl.Client
	systems   *config.SystemsConfig
}

func NewLocator(driveStor stor.DriveStor, client ctrl.Client, systems *config.SystemsConfig) *Locator {
	return &Locator{
		driveStor: driveStor,
		client:    client,
		systems:   systems,
	}
}

// Register persists the drive and obtains its virtual id from the control
// plane when it doesn't have one yet. Safe to call repeatedly for the same
// drive: a conflict on the provider-generated id resolves to the already
// registered virtual id.
func (l *Locator) Register(title string, drive *Drive, ownedByProject, createdByUser *string) (*Drive, error) {
	system, err := l.systemForDrive(drive)
	if err != nil {
		return nil, err
	}
	drive.System = system.Name

	if createdByUser != nil {
		drive.OwnedByUser = *createdByUser
	}
	if ownedByProject != nil {
		drive.OwnedByProject = *ownedByProject
	}

	if drive.CollectionID == PlaceholderID {
		id, err := l.obtainCollectionID(title, drive, ownedByProject, createdByUser)
		if err != nil {
			return nil, err
		}
		drive.CollectionID = id
	}

	saved, err := l.driveStor.CreateDrive(drive.toModel())
	if err != nil {
		return nil, fserr.Internalf("saving drive %d: %s", drive.CollectionID, err)
	}

	return driveFromModel(saved), nil
}

// systemForDrive picks the backing system. Repository and member-files
// drives must land on whatever system their project already uses, and
// cannot register while that system's drives are in maintenance.
func (l *Locator) systemForDrive(drive *Drive) (config.System, error) {
	if !drive.sharesSystemWithProject() {
		return l.systems.Default(), nil
	}

	system, inMaintenance, err := l.driveStor.FindSystemForProject(drive.Project)
	switch {
	case stor.IsRecordNotFound(err):
		return l.systems.Default(), nil
	case err != nil:
		return config.System{}, fserr.Internalf("looking up system for project %s: %s", drive.Project, err)
	case inMaintenance:
		return config.System{}, fserr.Maintenance()
	}

	found := l.systems.SystemByName(system)
	if found == nil {
		return config.System{}, fserr.Internalf("project %s references unknown system %s", drive.Project, system)
	}

	return *found, nil
}

func (l *Locator) obtainCollectionID(title string, drive *Drive, ownedByProject, createdByUser *string) (int64, error) {
	if title == "" {
		title = drive.Title()
	}

	// drive.System was already pinned by systemForDrive; the registered
	// category must match it or usage charges land on the wrong product.
	req := ctrl.RegisterDriveRequest{
		Title:           title,
		ProductCategory: drive.System,
		OwnedByProject:  ownedByProject,
		CreatedByUser:   createdByUser,
	}

	providerID, hasProviderID := drive.ProviderID()
	if hasProviderID {
		req.ProviderGeneratedID = &providerID
	}

	id, err := l.client.RegisterDrive(req)
	if err == nil {
		return id, nil
	}

	if err != ctrl.ErrConflict || !hasProviderID {
		return 0, fserr.Internalf("registering drive: %s", err)
	}

	// Another registration of the same drive beat us to it. Resolve to the
	// id the control plane already assigned.
	id, err = l.client.FindDriveByProviderID(providerID)
	if err != nil {
		return 0, fserr.Internalf("resolving conflicting drive %s: %s", providerID, err)
	}

	return id, nil
}

func (l *Locator) ResolveDrive(collectionID int64) (*Drive, error) {
	m, err := l.driveStor.GetDriveByCollectionID(collectionID)
	if err != nil {
		if stor.IsRecordNotFound(err) {
			return nil, fserr.NotFound(strconv.FormatInt(collectionID, 10))
		}
		return nil, fserr.Internalf("resolving drive %d: %s", collectionID, err)
	}

	return driveFromModel(m), nil
}

// ResolveByPhysicalPath maps a physical path back to its drive. The mount
// match takes the longest configured mount prefix, so nested mounts resolve
// to the deepest one.
func (l *Locator) ResolveByPhysicalPath(physicalPath string) (*Drive, error) {
	system, rest, found := l.matchMount(physicalPath)
	if !found {
		return nil, fserr.NotFound("unknown")
	}

	candidate, err := decomposePath(rest)
	if err != nil {
		return nil, err
	}

	if candidate.Type == TypeCollection {
		return l.ResolveDrive(candidate.CollectionID)
	}

	m, err := l.driveStor.FindDriveByProperties(string(candidate.Type), candidate.localReference(), candidate.projectOrNil())
	if err != nil {
		if stor.IsRecordNotFound(err) {
			return nil, fserr.NotFound(rest)
		}
		// More than one registry row for one physical root. Nothing sane
		// can be done at runtime.
		log.Errorf("drive registry integrity failure for %s on %s: %s", rest, system.Name, err)
		return nil, fserr.Internalf("drive registry integrity failure: %s", err)
	}

	return driveFromModel(m), nil
}

func (l *Locator) matchMount(physicalPath string) (config.System, string, bool) {
	cleaned := filepath.Clean(physicalPath)
	for _, system := range l.systems.SystemsByMountDepth() {
		mount := filepath.Clean(system.MountPath)
		if cleaned == mount {
			return system, "", true
		}
		if strings.HasPrefix(cleaned, mount+"/") {
			return system, strings.TrimPrefix(cleaned, mount+"/"), true
		}
	}

	return config.System{}, "", false
}

// decomposePath turns a mount-relative path into the drive it must belong
// to: home/<user>, projects/<project>/<repo>,
// projects/<project>/Members' Files/<user>, or collections/<id>.
func decomposePath(rest string) (*Drive, error) {
	components := strings.Split(rest, "/")

	switch {
	case len(components) >= 2 && components[0] == "home":
		return PersonalWorkspace(components[1]), nil

	case len(components) >= 4 && components[0] == "projects" && components[2] == MemberFilesDirName:
		return ProjectMemberFiles(components[1], components[3]), nil

	case len(components) >= 3 && components[0] == "projects":
		return ProjectRepository(components[1], components[2]), nil

	case len(components) >= 2 && components[0] == "collections":
		id, err := strconv.ParseInt(components[1], 10, 64)
		if err != nil {
			return nil, fserr.NotFound(rest)
		}
		return Collection(id), nil

	default:
		return nil, fserr.NotFound(rest)
	}
}

// IsProtectedRoot reports whether the physical path is a structural root
// that conflict policies must never rename: a mount root, a drive root, or
// one of the fixed directories between them.
func (l *Locator) IsProtectedRoot(physicalPath string) bool {
	_, rest, found := l.matchMount(physicalPath)
	if !found {
		return false
	}
	if rest == "" {
		return true
	}

	components := strings.Split(rest, "/")
	switch components[0] {
	case "home", "collections":
		return len(components) <= 2
	case "projects":
		if len(components) >= 3 && components[2] == MemberFilesDirName {
			return len(components) <= 4
		}
		return len(components) <= 3
	default:
		return false
	}
}

// EnumerateDrives pages through the registry by virtual id ascending. Pass
// cursor 0 for the first page; the returned cursor is 0 when no further
// page exists.
func (l *Locator) EnumerateDrives(filterType Type, cursor int64) ([]Drive, int64, error) {
	rows, err := l.driveStor.ListDrives(string(filterType), cursor, EnumeratePageSize)
	if err != nil {
		return nil, 0, fserr.Internalf("enumerating drives: %s", err)
	}

	result := make([]Drive, 0, len(rows))
	for i := range rows {
		result = append(result, *driveFromModel(&rows[i]))
	}

	next := int64(0)
	if len(rows) == EnumeratePageSize {
		next = rows[len(rows)-1].CollectionID
	}

	return result, next, nil
}

// SetMaintenanceMode flips the maintenance flag on the given drives and
// notifies the control plane of each change.
func (l *Locator) SetMaintenanceMode(collectionIDs []int64, maintenance bool) error {
	if err := l.driveStor.SetMaintenanceMode(collectionIDs, maintenance); err != nil {
		return fserr.Internalf("setting maintenance mode: %s", err)
	}

	for _, id := range collectionIDs {
		err := l.client.UpdateDrive(ctrl.DriveUpdate{CollectionID: id, InMaintenanceMode: maintenance})
		if err != nil {
			log.Errorf("failed notifying control plane of maintenance change for drive %d: %s", id, err)
		}
	}

	return nil
}

// MigrateSystem moves a project's drives onto a different backing system.
// The drives must already be in maintenance mode so no writes race the
// migration.
func (l *Locator) MigrateSystem(project, system string) error {
	if l.systems.SystemByName(system) == nil {
		return fserr.BadRequest(fmt.Sprintf("unknown system %q", system))
	}

	rows, err := l.driveStor.ListDrivesForProject(project)
	if err != nil {
		return fserr.Internalf("listing drives for project %s: %s", project, err)
	}

	var ids []int64
	for i := range rows {
		if !rows[i].InMaintenanceMode {
			return fserr.BadRequest(fmt.Sprintf("drive %d is not in maintenance mode", rows[i].CollectionID))
		}
		ids = append(ids, rows[i].CollectionID)
	}

	if err := l.driveStor.SetSystem(ids, system); err != nil {
		return fserr.Internalf("migrating project %s to %s: %s", project, system, err)
	}

	return nil
}

// RequireWritable fails with a maintenance error when the drive is locked
// for writes.
func (l *Locator) RequireWritable(drive *Drive) error {
	if drive.InMaintenanceMode {
		return fserr.Maintenance()
	}

	return nil
}

// System returns the backing system configuration for a drive.
func (l *Locator) System(drive *Drive) (config.System, error) {
	system := l.systems.SystemByName(drive.System)
	if system == nil {
		return config.System{}, fserr.Internalf("drive %d references unknown system %s", drive.CollectionID, drive.System)
	}

	return *system, nil
}
