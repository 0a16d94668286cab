package drives

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/strandcloud/strand/pkg/config"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/stordb"
	"github.com/strandcloud/strand/pkg/stordb/stor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type locatorTestCase struct {
	stors   *stor.Stors
	client  *ctrl.MockClient
	systems *config.SystemsConfig
	locator *Locator
}

func newLocatorTestCase(t *testing.T) *locatorTestCase {
	gormLogger := logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second * 5,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		})

	db, err := gorm.Open(sqlite.Open(stordb.SqliteInMemoryDSN), &gorm.Config{Logger: gormLogger})
	require.NoErrorf(t, err, "gorm.Open failed: %s", err)

	sqlitedb, err := db.DB()
	require.NoError(t, err)
	sqlitedb.SetMaxOpenConns(1)

	err = stordb.RunMigrations(db)
	require.NoErrorf(t, err, "Migration failed with: %s", err)

	t.Cleanup(func() {
		_ = sqlitedb.Close()
	})

	tc := &locatorTestCase{
		stors:  stor.NewGormStors(db),
		client: ctrl.NewMockClient(),
		systems: &config.SystemsConfig{
			DefaultSystem: "storage1",
			Systems: []config.System{
				{Name: "storage1", MountPath: "/mnt/storage1"},
				{Name: "storage2", MountPath: "/mnt/storage1/nested"},
			},
		},
	}
	tc.locator = NewLocator(tc.stors.DriveStor, tc.client, tc.systems)

	return tc
}

func TestRegisterAndResolveRoundTrip(t *testing.T) {
	tc := newLocatorTestCase(t)

	registered, err := tc.locator.Register("", PersonalWorkspace("alice"), nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, PlaceholderID, registered.CollectionID)
	assert.Equal(t, "storage1", registered.System)

	resolved, err := tc.locator.ResolveDrive(registered.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, TypePersonalWorkspace, resolved.Type)
	assert.Equal(t, "alice", resolved.Username)
	assert.Equal(t, registered.CollectionID, resolved.CollectionID)
}

func TestRegisterIsIdempotent(t *testing.T) {
	tc := newLocatorTestCase(t)

	first, err := tc.locator.Register("", PersonalWorkspace("alice"), nil, nil)
	require.NoError(t, err)

	// A retry starts from a placeholder id again. The control plane reports
	// the conflict and the locator resolves to the existing id.
	second, err := tc.locator.Register("", PersonalWorkspace("alice"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.CollectionID, second.CollectionID)
}

func TestRegisterProjectDrivesShareOneSystem(t *testing.T) {
	tc := newLocatorTestCase(t)

	project := "proj1"
	repo, err := tc.locator.Register("", ProjectRepository(project, "data"), &project, nil)
	require.NoError(t, err)

	// Move the project's drives to another system, then a new drive for the
	// same project must land on that system too.
	require.NoError(t, tc.stors.DriveStor.SetSystem([]int64{repo.CollectionID}, "storage2"))

	member, err := tc.locator.Register("", ProjectMemberFiles(project, "alice"), &project, nil)
	require.NoError(t, err)
	assert.Equal(t, "storage2", member.System)
}

func TestRegisterReportsCategoryOfChosenSystem(t *testing.T) {
	tc := newLocatorTestCase(t)

	project := "proj1"
	repo, err := tc.locator.Register("", ProjectRepository(project, "data"), &project, nil)
	require.NoError(t, err)
	require.NoError(t, tc.stors.DriveStor.SetSystem([]int64{repo.CollectionID}, "storage2"))

	// The new drive lands on the project's system, and the control plane
	// must see that system as the product category so usage charges match.
	member, err := tc.locator.Register("", ProjectMemberFiles(project, "alice"), &project, nil)
	require.NoError(t, err)
	assert.Equal(t, "storage2", member.System)

	require.NotEmpty(t, tc.client.RegisteredDrives)
	last := tc.client.RegisteredDrives[len(tc.client.RegisteredDrives)-1]
	assert.Equal(t, "storage2", last.ProductCategory)
}

func TestRegisterFailsDuringProjectMaintenance(t *testing.T) {
	tc := newLocatorTestCase(t)

	project := "proj1"
	repo, err := tc.locator.Register("", ProjectRepository(project, "data"), &project, nil)
	require.NoError(t, err)

	require.NoError(t, tc.stors.DriveStor.SetMaintenanceMode([]int64{repo.CollectionID}, true))

	_, err = tc.locator.Register("", ProjectMemberFiles(project, "alice"), &project, nil)
	require.Error(t, err)
	assert.True(t, fserr.IsKind(err, fserr.KindMaintenance))

	// Personal workspaces don't coordinate with any project, so they still
	// register.
	_, err = tc.locator.Register("", PersonalWorkspace("bob"), nil, nil)
	assert.NoError(t, err)
}

func TestResolveDriveNotFound(t *testing.T) {
	tc := newLocatorTestCase(t)

	_, err := tc.locator.ResolveDrive(999999)
	require.Error(t, err)
	assert.True(t, fserr.IsNotFound(err))
}

func TestResolveByPhysicalPath(t *testing.T) {
	tc := newLocatorTestCase(t)

	project := "proj1"
	alice, err := tc.locator.Register("", PersonalWorkspace("alice"), nil, nil)
	require.NoError(t, err)
	repo, err := tc.locator.Register("", ProjectRepository(project, "data"), &project, nil)
	require.NoError(t, err)
	member, err := tc.locator.Register("", ProjectMemberFiles(project, "alice"), &project, nil)
	require.NoError(t, err)
	collection, err := tc.locator.Register("", Collection(4242), nil, nil)
	require.NoError(t, err)

	var tests = []struct {
		name         string
		physicalPath string
		wantID       int64
		errExpected  bool
	}{
		{name: "personal workspace file", physicalPath: "/mnt/storage1/home/alice/notes.txt", wantID: alice.CollectionID},
		{name: "personal workspace root", physicalPath: "/mnt/storage1/home/alice", wantID: alice.CollectionID},
		{name: "project repository", physicalPath: "/mnt/storage1/projects/proj1/data/raw/f.csv", wantID: repo.CollectionID},
		{name: "member files", physicalPath: "/mnt/storage1/projects/proj1/Members' Files/alice/f.txt", wantID: member.CollectionID},
		{name: "collection", physicalPath: "/mnt/storage1/collections/4242/f.txt", wantID: collection.CollectionID},
		{name: "unregistered user", physicalPath: "/mnt/storage1/home/mallory/f.txt", errExpected: true},
		{name: "outside any mount", physicalPath: "/tmp/f.txt", errExpected: true},
		{name: "mount root only", physicalPath: "/mnt/storage1", errExpected: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			drive, err := tc.locator.ResolveByPhysicalPath(test.physicalPath)
			if test.errExpected {
				require.Error(t, err)
				assert.True(t, fserr.IsNotFound(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.wantID, drive.CollectionID)
		})
	}
}

func TestResolveByPhysicalPathPrefersLongestMount(t *testing.T) {
	tc := newLocatorTestCase(t)

	system, rest, ok := tc.locator.matchMount("/mnt/storage1/nested/home/alice/f.txt")
	require.True(t, ok)
	assert.Equal(t, "storage2", system.Name)
	assert.Equal(t, "home/alice/f.txt", rest)
}

func TestEnumerateDrives(t *testing.T) {
	tc := newLocatorTestCase(t)

	for _, user := range []string{"u1", "u2", "u3"} {
		_, err := tc.locator.Register("", PersonalWorkspace(user), nil, nil)
		require.NoError(t, err)
	}

	page, next, err := tc.locator.EnumerateDrives(TypePersonalWorkspace, 0)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Equal(t, int64(0), next)

	for i := 1; i < len(page); i++ {
		assert.Greater(t, page[i].CollectionID, page[i-1].CollectionID)
	}
}

func TestSetMaintenanceModeNotifiesControlPlane(t *testing.T) {
	tc := newLocatorTestCase(t)

	drive, err := tc.locator.Register("", PersonalWorkspace("alice"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, tc.locator.SetMaintenanceMode([]int64{drive.CollectionID}, true))

	resolved, err := tc.locator.ResolveDrive(drive.CollectionID)
	require.NoError(t, err)
	assert.True(t, resolved.InMaintenanceMode)
	assert.Error(t, tc.locator.RequireWritable(resolved))

	require.Len(t, tc.client.DriveUpdates, 1)
	assert.Equal(t, drive.CollectionID, tc.client.DriveUpdates[0].CollectionID)
	assert.True(t, tc.client.DriveUpdates[0].InMaintenanceMode)
}

func TestMigrateSystemRequiresMaintenance(t *testing.T) {
	tc := newLocatorTestCase(t)

	project := "proj1"
	repo, err := tc.locator.Register("", ProjectRepository(project, "data"), &project, nil)
	require.NoError(t, err)

	err = tc.locator.MigrateSystem(project, "storage2")
	require.Error(t, err)
	assert.True(t, fserr.IsBadRequest(err))

	require.NoError(t, tc.locator.SetMaintenanceMode([]int64{repo.CollectionID}, true))
	require.NoError(t, tc.locator.MigrateSystem(project, "storage2"))

	resolved, err := tc.locator.ResolveDrive(repo.CollectionID)
	require.NoError(t, err)
	assert.Equal(t, "storage2", resolved.System)
}

func TestMigrateSystemRejectsUnknownSystem(t *testing.T) {
	tc := newLocatorTestCase(t)

	project := "proj1"
	repo, err := tc.locator.Register("", ProjectRepository(project, "data"), &project, nil)
	require.NoError(t, err)
	require.NoError(t, tc.locator.SetMaintenanceMode([]int64{repo.CollectionID}, true))

	err = tc.locator.MigrateSystem(project, "no-such-system")
	require.Error(t, err)
	assert.True(t, fserr.IsBadRequest(err))
}

func TestIsProtectedRoot(t *testing.T) {
	tc := newLocatorTestCase(t)

	var tests = []struct {
		path      string
		protected bool
	}{
		{"/mnt/storage1", true},
		{"/mnt/storage1/home", true},
		{"/mnt/storage1/home/alice", true},
		{"/mnt/storage1/home/alice/docs", false},
		{"/mnt/storage1/collections/42", true},
		{"/mnt/storage1/collections/42/data", false},
		{"/mnt/storage1/projects/proj1", true},
		{"/mnt/storage1/projects/proj1/repo", true},
		{"/mnt/storage1/projects/proj1/repo/file.txt", false},
		{"/mnt/storage1/projects/proj1/Members' Files", true},
		{"/mnt/storage1/projects/proj1/Members' Files/alice", true},
		{"/mnt/storage1/projects/proj1/Members' Files/alice/notes", false},
		{"/elsewhere/entirely", false},
	}

	for _, test := range tests {
		assert.Equalf(t, test.protected, tc.locator.IsProtectedRoot(test.path), "path %s", test.path)
	}
}
