package webapi

import (
	"bytes"
	"encoding/json"
	stdlog "log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/config"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/nativefs"
	"github.com/strandcloud/strand/pkg/queries"
	"github.com/strandcloud/strand/pkg/stordb"
	"github.com/strandcloud/strand/pkg/stordb/model"
	"github.com/strandcloud/strand/pkg/stordb/stor"
	"github.com/strandcloud/strand/pkg/tasks"
	"github.com/strandcloud/strand/pkg/transfer"
	"github.com/strandcloud/strand/pkg/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type webTestCase struct {
	root      string
	e         *echo.Echo
	files     *FilesController
	uploads   *UploadController
	downloads *DownloadController
	drivesC   *DrivesController
	locator   *drives.Locator
	converter *drives.PathConverter
	stors     *stor.Stors
	drive     *drives.Drive
	drivePth  string
}

func newWebTestCase(t *testing.T) *webTestCase {
	gormLogger := logger.New(stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
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
	require.NoError(t, stordb.RunMigrations(db))
	t.Cleanup(func() { _ = sqlitedb.Close() })

	root := t.TempDir()
	systems := &config.SystemsConfig{
		DefaultSystem: "storage1",
		Systems:       []config.System{{Name: "storage1", MountPath: root}},
	}

	client := ctrl.NewMockClient()
	stors := stor.NewGormStors(db)
	locator := drives.NewLocator(stors.DriveStor, client, systems)
	converter := drives.NewPathConverter(locator, client)
	fs := nativefs.New(nativefs.NewSyscalls(), nil, nil)
	engine := queries.NewEngine(fs, converter)

	taskSystem := tasks.NewSystem(stors.TaskStor, client)
	taskSystem.RegisterHandler(tasks.NewFileOpsHandler(fs, converter))

	pool := transfer.NewHandlePool(fs)
	limits := usage.NewLimitChecker(locator, stors.QuotaLockStor, usage.WithLockCacheTTL(time.Nanosecond))

	drive, err := locator.Register("", drives.PersonalWorkspace("alice"), nil, nil)
	require.NoError(t, err)

	drivePhysical := filepath.Join(root, "home", "alice")
	require.NoError(t, os.MkdirAll(drivePhysical, 0o750))

	return &webTestCase{
		root:      root,
		e:         echo.New(),
		files:     NewFilesController(engine, fs, converter, locator, taskSystem, limits),
		uploads:   NewUploadController(pool, converter, locator, limits),
		downloads: NewDownloadController(fs, converter),
		drivesC:   NewDrivesController(locator, converter, fs),
		locator:   locator,
		converter: converter,
		stors:     stors,
		drive:     drive,
		drivePth:  drivePhysical,
	}
}

// call runs a handler the way the server does, routing any returned error
// through the error handler so tests can assert on status codes.
func (tc *webTestCase) call(handler echo.HandlerFunc, method, target string, body interface{}, query map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case []byte:
		reader = bytes.NewReader(b)
	case nil:
		reader = bytes.NewReader(nil)
	default:
		encoded, _ := json.Marshal(b)
		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	q := req.URL.Query()
	for key, value := range query {
		q.Add(key, value)
	}
	req.URL.RawQuery = q.Encode()

	rec := httptest.NewRecorder()
	ctx := tc.e.NewContext(req, rec)

	if err := handler(ctx); err != nil {
		HTTPErrorHandler(err, ctx)
	}

	return rec
}

func (tc *webTestCase) virtual(components ...string) string {
	return drives.JoinVirtual(tc.drive.CollectionID, components...)
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	require.NoErrorf(t, json.Unmarshal(rec.Body.Bytes(), into), "bad response body: %s", rec.Body.String())
}

func TestBrowseAndRetrieve(t *testing.T) {
	tc := newWebTestCase(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.drivePth, "notes.txt"), []byte("hello"), 0o640))
	require.NoError(t, os.Mkdir(filepath.Join(tc.drivePth, "docs"), 0o750))

	rec := tc.call(tc.files.Browse, http.MethodPost, "/files/browse",
		map[string]interface{}{"path": tc.virtual(), "itemsPerPage": 50}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var browse queries.BrowseResult
	decodeJSON(t, rec, &browse)
	require.Len(t, browse.Items, 2)
	assert.Empty(t, browse.Next)

	rec = tc.call(tc.files.Retrieve, http.MethodGet, "/files/retrieve", nil,
		map[string]string{"path": tc.virtual("notes.txt")})
	require.Equal(t, http.StatusOK, rec.Code)

	var entry queries.FileEntry
	decodeJSON(t, rec, &entry)
	assert.Equal(t, "notes.txt", entry.Name)
	assert.Equal(t, int64(5), entry.Size)
}

func TestRetrieveMissingFileIs404(t *testing.T) {
	tc := newWebTestCase(t)

	rec := tc.call(tc.files.Retrieve, http.MethodGet, "/files/retrieve", nil,
		map[string]string{"path": tc.virtual("nope.txt")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateFolderHonorsConflictPolicy(t *testing.T) {
	tc := newWebTestCase(t)

	rec := tc.call(tc.files.CreateFolder, http.MethodPost, "/files/folder",
		map[string]string{"path": tc.virtual("data"), "conflictPolicy": "REJECT"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.DirExists(t, filepath.Join(tc.drivePth, "data"))

	rec = tc.call(tc.files.CreateFolder, http.MethodPost, "/files/folder",
		map[string]string{"path": tc.virtual("data"), "conflictPolicy": "REJECT"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = tc.call(tc.files.CreateFolder, http.MethodPost, "/files/folder",
		map[string]string{"path": tc.virtual("data"), "conflictPolicy": "RENAME"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeJSON(t, rec, &resp)
	assert.Equal(t, tc.virtual("data(1)"), resp["path"])
}

func TestCopyRunsInlineForSmallFiles(t *testing.T) {
	tc := newWebTestCase(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.drivePth, "a.txt"), []byte("abc"), 0o640))

	rec := tc.call(tc.files.Copy, http.MethodPost, "/files/copy",
		map[string]string{"oldPath": tc.virtual("a.txt"), "newPath": tc.virtual("b.txt"), "conflictPolicy": "REJECT"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result tasks.SubmitResult
	decodeJSON(t, rec, &result)
	assert.True(t, result.Complete)
	assert.FileExists(t, filepath.Join(tc.drivePth, "b.txt"))
}

func TestTrashMovesIntoTrashFolder(t *testing.T) {
	tc := newWebTestCase(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.drivePth, "doomed.txt"), []byte("x"), 0o640))

	rec := tc.call(tc.files.Trash, http.MethodPost, "/files/trash",
		map[string]string{"oldPath": tc.virtual("doomed.txt")}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.FileExists(t, filepath.Join(tc.drivePth, tasks.TrashDirName, "doomed.txt"))
}

func TestMoveRejectedDuringMaintenance(t *testing.T) {
	tc := newWebTestCase(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.drivePth, "a.txt"), []byte("x"), 0o640))
	require.NoError(t, tc.locator.SetMaintenanceMode([]int64{tc.drive.CollectionID}, true))

	rec := tc.call(tc.files.Move, http.MethodPost, "/files/move",
		map[string]string{"oldPath": tc.virtual("a.txt"), "newPath": tc.virtual("b.txt")}, nil)

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body ErrorBody
	decodeJSON(t, rec, &body)
	assert.Equal(t, "MAINTENANCE", body.Code)
}

func TestUploadLifecycle(t *testing.T) {
	tc := newWebTestCase(t)
	target := tc.virtual("upload.bin")

	rec := tc.call(tc.uploads.CreateUpload, http.MethodPost, "/files/upload",
		map[string]string{"path": target, "conflictPolicy": "REJECT"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = tc.call(tc.uploads.UploadChunk, http.MethodPost, "/files/upload/chunk",
		[]byte("hello "), map[string]string{"path": target, "offset": "0"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = tc.call(tc.uploads.UploadChunk, http.MethodPost, "/files/upload/chunk",
		[]byte("world"), map[string]string{"path": target, "offset": "6"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = tc.call(tc.uploads.CloseUpload, http.MethodPost, "/files/upload/close",
		map[string]string{"path": target, "conflictPolicy": "REJECT"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var closeResp struct {
		Closed bool   `json:"closed"`
		Path   string `json:"path"`
	}
	decodeJSON(t, rec, &closeResp)
	assert.True(t, closeResp.Closed)
	assert.Equal(t, target, closeResp.Path)

	content, err := os.ReadFile(filepath.Join(tc.drivePth, "upload.bin"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestUploadBlockedByQuotaLock(t *testing.T) {
	tc := newWebTestCase(t)

	username := "alice"
	require.NoError(t, tc.stors.QuotaLockStor.AddLock(&model.QuotaLock{
		ScanID:   "scan1",
		Category: "storage1",
		Username: &username,
	}))

	rec := tc.call(tc.uploads.CreateUpload, http.MethodPost, "/files/upload",
		map[string]string{"path": tc.virtual("upload.bin"), "conflictPolicy": "REJECT"}, nil)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body ErrorBody
	decodeJSON(t, rec, &body)
	assert.Equal(t, "NOT_ENOUGH_FUNDS", body.Code)
}

func TestDownloadWholeFile(t *testing.T) {
	tc := newWebTestCase(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.drivePth, "report.txt"), []byte("0123456789"), 0o640))

	rec := tc.call(tc.downloads.Download, http.MethodGet, "/files/download", nil,
		map[string]string{"path": tc.virtual("report.txt")})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `filename="report.txt"`)
}

func TestDownloadByteRange(t *testing.T) {
	tc := newWebTestCase(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.drivePth, "report.txt"), []byte("0123456789"), 0o640))

	req := httptest.NewRequest(http.MethodGet, "/files/download?path="+tc.virtual("report.txt"), nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	ctx := tc.e.NewContext(req, rec)

	if err := tc.downloads.Download(ctx); err != nil {
		HTTPErrorHandler(err, ctx)
	}

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
}

func TestDownloadOfDirectoryRejected(t *testing.T) {
	tc := newWebTestCase(t)

	rec := tc.call(tc.downloads.Download, http.MethodGet, "/files/download", nil,
		map[string]string{"path": tc.virtual()})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterDriveCreatesPhysicalRoot(t *testing.T) {
	tc := newWebTestCase(t)

	rec := tc.call(tc.drivesC.Register, http.MethodPost, "/drives",
		map[string]string{"type": "PERSONAL_WORKSPACE", "username": "bob"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var registered drives.Drive
	decodeJSON(t, rec, &registered)
	assert.NotZero(t, registered.CollectionID)
	assert.DirExists(t, filepath.Join(tc.root, "home", "bob"))

	// Registering again resolves to the same virtual id.
	rec = tc.call(tc.drivesC.Register, http.MethodPost, "/drives",
		map[string]string{"type": "PERSONAL_WORKSPACE", "username": "bob"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var again drives.Drive
	decodeJSON(t, rec, &again)
	assert.Equal(t, registered.CollectionID, again.CollectionID)
}

func TestEnumerateDrives(t *testing.T) {
	tc := newWebTestCase(t)

	rec := tc.call(tc.drivesC.Enumerate, http.MethodGet, "/drives", nil,
		map[string]string{"type": "PERSONAL_WORKSPACE"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []drives.Drive `json:"items"`
		Next  string         `json:"next"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "alice", resp.Items[0].Username)
	assert.Empty(t, resp.Next)
}
