package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/media"
	"github.com/phenolog/phenolog/internal/observability"
	"github.com/phenolog/phenolog/internal/observation"
	"github.com/phenolog/phenolog/internal/securefs"
	"github.com/phenolog/phenolog/internal/tablestore"
	"github.com/phenolog/phenolog/internal/weekindex"
)

const (
	owner    = "acct-1"
	stranger = "acct-2"
)

var testNow = time.Date(2015, 6, 15, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*Server
	fs      *securefs.SecureFS
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, configure func(*Config)) *testServer {
	t.Helper()
	ctx := t.Context()
	root := t.TempDir()

	store, err := tablestore.NewFileStore(filepath.Join(root, "data"), logger.NopLogger())
	require.NoError(t, err)
	repo := datastore.NewRepository(store)
	require.NoError(t, repo.PutExperiment(ctx, &datastore.Experiment{ID: 1, Name: "spring",
		StartDate: observation.DateOf(time.Date(2015, 5, 1, 0, 0, 0, 0, time.UTC))}))
	require.NoError(t, repo.PutPlant(ctx, &datastore.Plant{ID: 1, Family: "Rosaceae", Variety: "Malus domestica"}))
	require.NoError(t, repo.PutPlant(ctx, &datastore.Plant{ID: 2, Family: "Fabaceae", Variety: "Robinia"}))
	require.NoError(t, repo.PutLocation(ctx, &datastore.Location{ID: 1, Name: "Garden", AccountID: owner}))
	require.NoError(t, repo.PutObserver(ctx, &datastore.Observer{ExperimentID: 1, LocationID: 1, PlantID: 1}))

	fsys, err := securefs.New(filepath.Join(root, "media"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close() })

	m, err := observability.NewMetrics()
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	pipeline := media.NewPipeline(fsys,
		&conf.MediaSettings{Quality: 80, StageTimeout: 10 * time.Second},
		media.WithLogger(logger.NopLogger()),
		media.WithFreeSpaceFunc(func(string) (uint64, error) { return math.MaxUint64, nil }))
	registry := weekindex.NewRegistry(repo, 0,
		weekindex.WithClock(clock),
		weekindex.WithRegistryLogger(logger.NopLogger()))
	coord := ingest.New(repo, fsys, pipeline, registry,
		ingest.WithClock(clock),
		ingest.WithLocation(time.UTC),
		ingest.WithMetrics(m.Ingest),
		ingest.WithLogger(logger.NopLogger()))

	cfg := DefaultConfig()
	if configure != nil {
		configure(cfg)
	}
	s, err := New(cfg, coord, fsys, WithLogger(logger.NopLogger()), WithMetrics(m))
	require.NoError(t, err)
	return &testServer{Server: s, fs: fsys, metrics: m}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func (s *testServer) get(target string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for y := range 120 {
		for x := range 160 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func upload(t *testing.T, account string, fields map[string]string, img []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if img != nil {
		part, err := w.CreateFormFile("image", "photo.jpg")
		require.NoError(t, err)
		_, err = part.Write(img)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/observations", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if account != "" {
		req.Header.Set(DefaultAccountHeader, account)
	}
	return req
}

func fields(date string) map[string]string {
	return map[string]string{
		"experimentId": "1",
		"plantId":      "1",
		"locationId":   "1",
		"date":         date,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndReadObservation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	rec := s.do(upload(t, owner, fields("2015-05-09"), testJPEG(t)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	created := decode[observation.Record](t, rec)
	assert.Equal(t, 1, created.ID)
	assert.Equal(t, "2015-05-09", created.Date.String())
	assert.Equal(t, "Garden", created.LocationName)
	assert.Equal(t, "Rosaceae", created.PlantFamily)
	assert.Equal(t, "/media/1/1/orig/1.jpg", created.Orig)
	assert.Equal(t, "/media/1/1/thumbnail/1.jpg", created.Thumbnail)

	rec = s.get("/api/v1/observations/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[observation.Record](t, rec).ID)

	rec = s.get(created.Thumbnail)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	rec = s.get("/api/v1/experiments/1/observations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]observation.Record](t, rec), 1)

	rec = s.get("/api/v1/experiments/1/matrix")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[weekindex.Snapshot](t, rec)
	require.Len(t, snap.Plants, 1)
	require.Len(t, snap.Plants[0].Locations, 1)
	row := snap.Plants[0].Locations[0]
	cell := row.Cells[1-row.FirstWeek]
	require.Len(t, cell, 1)
	assert.Equal(t, 1, cell[0].ID)
}

func TestResubmissionReturnsOK(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	img := testJPEG(t)

	require.Equal(t, http.StatusCreated, s.do(upload(t, owner, fields("2015-05-09"), img)).Code)

	form := fields("2015-05-16")
	form["id"] = "1"
	rec := s.do(upload(t, owner, form, img))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2015-05-16", decode[observation.Record](t, rec).Date.String())
}

func TestCreateObservationErrors(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	img := testJPEG(t)

	with := func(key, value string) map[string]string {
		f := fields("2015-05-09")
		if value == "" {
			delete(f, key)
		} else {
			f[key] = value
		}
		return f
	}

	tests := []struct {
		name     string
		account  string
		fields   map[string]string
		image    []byte
		status   int
		category errors.ErrorCategory
	}{
		{"missing image", owner, fields("2015-05-09"), nil, http.StatusBadRequest, errors.CategoryValidation},
		{"non numeric plant", owner, with("plantId", "abc"), img, http.StatusBadRequest, errors.CategoryValidation},
		{"missing location", owner, with("locationId", ""), img, http.StatusBadRequest, errors.CategoryValidation},
		{"bad date", owner, with("date", "09/05/2015"), img, http.StatusBadRequest, errors.CategoryValidation},
		{"unknown plant", owner, with("plantId", "99"), img, http.StatusBadRequest, errors.CategoryValidation},
		{"foreign location", stranger, fields("2015-05-09"), img, http.StatusForbidden, errors.CategoryAuthorization},
		{"no account", "", fields("2015-05-09"), img, http.StatusForbidden, errors.CategoryAuthorization},
		{"unknown resubmission", owner, with("id", "42"), img, http.StatusNotFound, errors.CategoryNotFound},
		{"pair without observer", owner, with("plantId", "2"), img, http.StatusUnprocessableEntity, errors.CategoryIndexConsistency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(upload(t, tt.account, tt.fields, tt.image))
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			resp := decode[ingest.ErrorResponse](t, rec)
			assert.True(t, resp.Error)
			assert.NotEmpty(t, resp.Message)
			assert.Equal(t, string(tt.category), resp.Category)
			assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.CorrelationID)
		})
	}

	// nothing was stored by the rejected requests
	rec := s.get("/api/v1/experiments/1/observations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]observation.Record](t, rec))
}

func TestStageFailureReturnsStoredRecord(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	require.NoError(t, s.fs.MkdirAll("1/1"))
	require.NoError(t, s.fs.WriteFileAtomic("1/1/small", []byte("blocked")))

	rec := s.do(upload(t, owner, fields("2015-05-09"), testJPEG(t)))
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	var resp struct {
		ingest.ErrorResponse
		Observation *observation.Record `json:"observation"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Error)
	assert.Equal(t, string(errors.CategoryDerivativeStage), resp.Category)
	assert.Equal(t, "small", resp.Stage)
	require.NotNil(t, resp.Observation)
	assert.Equal(t, 1, resp.Observation.ID)

	assert.Equal(t, http.StatusOK, s.get("/api/v1/observations/1").Code)
}

func TestDeleteObservation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(upload(t, owner, fields("2015-05-09"), testJPEG(t))).Code)

	del := func(account string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/observations/1", nil)
		req.Header.Set(DefaultAccountHeader, account)
		return s.do(req)
	}

	assert.Equal(t, http.StatusForbidden, del(stranger).Code)

	rec := del(owner)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[DeleteResponse](t, rec)
	assert.True(t, resp.Deleted)
	assert.Equal(t, weekindex.Coord{PlantID: 1, LocationID: 1, Week: 1}, resp.Cell)

	assert.Equal(t, http.StatusNotFound, del(owner).Code)

	rec = s.get("/api/v1/observations/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[observation.Record](t, rec).Deleted)

	rec = s.get("/api/v1/experiments/1/observations")
	assert.Empty(t, decode[[]observation.Record](t, rec))
}

func TestReadErrors(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	tests := []struct {
		target string
		status int
	}{
		{"/api/v1/observations/abc", http.StatusBadRequest},
		{"/api/v1/observations/0", http.StatusBadRequest},
		{"/api/v1/observations/999", http.StatusNotFound},
		{"/api/v1/experiments/9/observations", http.StatusNotFound},
		{"/api/v1/experiments/9/matrix", http.StatusNotFound},
		{"/api/v1/nothing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := s.get(tt.target)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.True(t, decode[ingest.ErrorResponse](t, rec).Error)
		})
	}
}

func TestServeMediaHidesUploadsAndTempFiles(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	require.NoError(t, s.fs.MkdirAll(ingest.IncomingDir))
	require.NoError(t, s.fs.WriteFileAtomic(ingest.IncomingDir+"/x.upload", []byte("raw")))
	require.NoError(t, s.fs.MkdirAll("1/1/orig"))
	require.NoError(t, s.fs.WriteFileAtomic("1/1/orig/.1.jpg.tmp", []byte("partial")))
	require.NoError(t, s.fs.WriteFileAtomic("1/1/orig/1.jpg", []byte("jpeg")))

	assert.Equal(t, http.StatusNotFound, s.get("/media/incoming/x.upload").Code)
	assert.Equal(t, http.StatusNotFound, s.get("/media/1/1/orig/.1.jpg.tmp").Code)
	assert.Equal(t, http.StatusNotFound, s.get("/media/1/1/orig/2.jpg").Code)
	assert.Equal(t, http.StatusForbidden, s.get("/media/1/1/orig").Code)

	rec := s.get("/media/1/1/orig/1.jpg")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())
}

func TestUploadRateLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})
	img := testJPEG(t)

	require.Equal(t, http.StatusCreated, s.do(upload(t, owner, fields("2015-05-09"), img)).Code)

	rec := s.do(upload(t, owner, fields("2015-05-10"), img))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.True(t, decode[ingest.ErrorResponse](t, rec).Error)

	// reads are not limited
	assert.Equal(t, http.StatusOK, s.get("/api/v1/observations/1").Code)
}

func TestUploadBodyLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *Config) { c.BodyLimit = "1K" })

	rec := s.do(upload(t, owner, fields("2015-05-09"), testJPEG(t)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	resp := decode[ingest.ErrorResponse](t, rec)
	assert.Equal(t, string(errors.CategoryValidation), resp.Category)
}

func TestTraceIDIsPropagated(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	id := uuid.NewString()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/observations/999", nil)
	req.Header.Set("X-Request-ID", id)
	rec := s.do(req)

	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, id, decode[ingest.ErrorResponse](t, rec).CorrelationID)

	// malformed ids are replaced
	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "not a uuid\r\n")
	rec = s.do(req)
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(upload(t, owner, fields("2015-05-09"), testJPEG(t))).Code)

	rec := s.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phenolog_ingest_requests_total")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	build := func(c errors.ErrorCategory) error {
		return errors.Newf("x").Component("test").Category(c).Build()
	}
	tests := []struct {
		category errors.ErrorCategory
		status   int
	}{
		{errors.CategoryValidation, http.StatusBadRequest},
		{errors.CategoryAuthorization, http.StatusForbidden},
		{errors.CategoryNotFound, http.StatusNotFound},
		{errors.CategoryConflict, http.StatusConflict},
		{errors.CategoryIndexConsistency, http.StatusUnprocessableEntity},
		{errors.CategoryDiskUsage, http.StatusInsufficientStorage},
		{errors.CategoryTimeout, http.StatusGatewayTimeout},
		{errors.CategoryDerivativeStage, http.StatusInternalServerError},
		{errors.CategoryDatabase, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, StatusFor(build(tt.category)), tt.category)
	}
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.NewStd("plain")))
}

func TestConfigFromSettings(t *testing.T) {
	t.Parallel()
	settings := &conf.Settings{}
	settings.WebServer.Listen = "127.0.0.1:9000"
	settings.WebServer.RateLimit = 2
	settings.WebServer.RateBurst = 5
	settings.Media.BaseURL = "/files/"
	settings.Media.MaxUploadMB = 12

	cfg := ConfigFromSettings(settings)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, DefaultAccountHeader, cfg.AccountHeader)
	assert.Equal(t, "/files", cfg.MediaPrefix)
	assert.Equal(t, "12M", cfg.BodyLimit)

	settings.Media.BaseURL = "https://cdn.example.org/media"
	assert.Equal(t, DefaultMediaPrefix, ConfigFromSettings(settings).MediaPrefix)

	bad := DefaultConfig()
	bad.MediaPrefix = "/"
	assert.Error(t, bad.Validate())
}
