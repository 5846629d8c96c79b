package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catchment_api/internal/app/notify"
	"catchment_api/internal/app/service"
	"catchment_api/internal/common"
	"catchment_api/internal/csvfile"
	"catchment_api/internal/domain/model"
	"catchment_api/internal/geo"
	"catchment_api/internal/platform/config"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.CSVJob

	markProcessingPanics bool
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*model.CSVJob)}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *model.CSVJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := *job
	f.jobs[job.ID] = &stored
	return nil
}

func (f *fakeJobRepo) FindByID(ctx context.Context, id string) (*model.CSVJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepo) ListByUser(ctx context.Context, userID string) ([]model.CSVJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) MarkProcessing(ctx context.Context, id string, startedAt time.Time, totalRows int) error {
	if f.markProcessingPanics {
		panic("storage exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return common.ErrNotFound
	}
	if job.Status != model.CSVStatusPending {
		return fmt.Errorf("job %s is not pending: %w", id, common.ErrConflict)
	}
	job.Status = model.CSVStatusProcessing
	job.ProcessingStartedAt = &startedAt
	job.TotalRows = &totalRows
	return nil
}

func (f *fakeJobRepo) Complete(ctx context.Context, id string, res *model.JobResult, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return common.ErrNotFound
	}
	if model.IsTerminalStatus(job.Status) {
		return fmt.Errorf("job %s already terminal (%s): %w", id, job.Status, common.ErrConflict)
	}
	job.Status = res.Status
	job.Error = res.Error
	if res.Output != nil {
		job.FileContent = res.Output
	}
	total, successful, failed := res.TotalRows, res.SuccessfulRows, res.FailedRows
	job.TotalRows = &total
	job.SuccessfulRows = &successful
	job.FailedRows = &failed
	job.ProcessingCompletedAt = &completedAt
	apiCalls, tokens := res.APICallsMade, res.TokensConsumed
	job.APICallsMade = &apiCalls
	job.TokensConsumed = &tokens
	return nil
}

func (f *fakeJobRepo) RecordDownload(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (f *fakeJobRepo) get(id string) *model.CSVJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *f.jobs[id]
	return &copied
}

type fakeQuotaRepo struct {
	mu    sync.Mutex
	limit int
	used  int
}

func (f *fakeQuotaRepo) FindByUserID(ctx context.Context, userID string) (*model.QuotaAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &model.QuotaAccount{UserID: userID, TokenLimit: f.limit, TokensUsed: f.used}, nil
}

func (f *fakeQuotaRepo) ConsumeOne(ctx context.Context, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used >= f.limit {
		return false, nil
	}
	f.used++
	return true, nil
}

// fakeGeoClient returns a polygon whose coordinates embed the requested drive
// value, so output rows are distinguishable. Calls can be slowed down in
// reverse submission order to force out-of-order completion.
type fakeGeoClient struct {
	mu        sync.Mutex
	calls     int
	err       error
	staggered bool
	totalRows int
}

func (f *fakeGeoClient) FetchCatchment(ctx context.Context, lat, lon float64, catchmentType geo.CatchmentType, value int) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.staggered {
		// Earlier rows sleep longer, so later rows finish first.
		time.Sleep(time.Duration(f.totalRows-call) * 2 * time.Millisecond)
	}
	if f.err != nil {
		return nil, f.err
	}
	raw := fmt.Sprintf(`{
		"type": "FeatureCollection",
		"features": [{
			"type": "Feature",
			"geometry": {"type": "Polygon", "coordinates": [[[%d,0],[%d,1],[%d,2],[%d,0]]]},
			"properties": {}
		}]
	}`, value, value, value, value)
	return json.RawMessage(raw), nil
}

func (f *fakeGeoClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setWorkerConfig(t *testing.T) {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig = &config.Config{
		CatchmentQueueName: "catchment_csv_jobs",
		GeoAPIKey:          "test-key",
		WorkerPoolSize:     8,
	}
	t.Cleanup(func() { config.AppConfig = prev })
}

func jobCSV(rows int) []byte {
	var b strings.Builder
	b.WriteString("snp_id,provider_id,location_id,location_gps,drive_distance,drive_time\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "snp_%d.com,provider%d,L%d,\"28.5065,77.0739\",%d,\n", i, i, i, 100+i)
	}
	return []byte(b.String())
}

func newTestWorker(repo *fakeJobRepo, quota *fakeQuotaRepo, geoClient geo.Client) (*CSVWorker, *notify.Bus) {
	bus := notify.NewBus()
	notifier := notify.NewStatusNotifier(bus, nil, "csv_status_change")
	tokens := service.NewTokenService(quota)
	return NewCSVWorker(nil, repo, tokens, geoClient, notifier, nil, 8), bus
}

func seedJob(repo *fakeJobRepo, id string, content []byte) {
	repo.jobs[id] = &model.CSVJob{
		ID:          id,
		Filename:    "input.csv",
		FileContent: content,
		Username:    "tester",
		UserID:      "u1",
		Status:      model.CSVStatusPending,
	}
}

func TestProcessJobAllRowsSucceed(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	gc := &fakeGeoClient{}
	w, _ := newTestWorker(repo, quota, gc)

	seedJob(repo, "job-1", jobCSV(5))
	w.ProcessJob(context.Background(), "job-1")

	job := repo.get("job-1")
	assert.Equal(t, model.CSVStatusDone, job.Status)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.SuccessfulRows)
	assert.Equal(t, 5, *job.SuccessfulRows)
	assert.Equal(t, 0, *job.FailedRows)
	assert.Equal(t, 5, *job.APICallsMade)
	assert.Equal(t, 5, *job.TokensConsumed)
	assert.Equal(t, 5, quota.used)
	assert.NotNil(t, job.ProcessingCompletedAt)

	out, err := csvfile.Parse(job.FileContent)
	require.NoError(t, err)
	assert.Equal(t, 5, out.RowCount())
}

// Rows finishing out of order must still land on their original line.
func TestProcessJobPreservesRowOrder(t *testing.T) {
	setWorkerConfig(t)
	const rows = 12

	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	gc := &fakeGeoClient{staggered: true, totalRows: rows}
	w, _ := newTestWorker(repo, quota, gc)

	seedJob(repo, "job-1", jobCSV(rows))
	w.ProcessJob(context.Background(), "job-1")

	job := repo.get("job-1")
	require.Equal(t, model.CSVStatusDone, job.Status)

	out, err := csvfile.Parse(job.FileContent)
	require.NoError(t, err)
	require.Equal(t, rows, out.RowCount())
	lines := strings.Split(strings.TrimRight(string(job.FileContent), "\n"), "\n")
	for i := 0; i < rows; i++ {
		// Row i requested drive_distance 100+i; its polygon embeds that value.
		assert.True(t, strings.HasPrefix(lines[i+1], fmt.Sprintf("snp_%d.com,", i)), "line %d out of order", i+1)
		assert.Contains(t, lines[i+1], fmt.Sprintf("[[[%d,0]", 100+i))
	}
}

func TestProcessJobInvalidRowsFailJob(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	gc := &fakeGeoClient{}
	w, _ := newTestWorker(repo, quota, gc)

	content := []byte("snp_id,provider_id,location_id,location_gps,drive_distance,drive_time\n" +
		"snp_1.com,provider1,L1,\"28.5065,77.0739\",500,\n" +
		"snp_2.com,provider2,L2,\"28.50,77.07\",500,\n")
	seedJob(repo, "job-1", content)
	w.ProcessJob(context.Background(), "job-1")

	job := repo.get("job-1")
	assert.Equal(t, model.CSVStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Some rows failed, see errors column", *job.Error)
	assert.Equal(t, 1, *job.SuccessfulRows)
	assert.Equal(t, 1, *job.FailedRows)

	// Only the valid row cost a provider call.
	assert.Equal(t, 1, gc.callCount())
	assert.Equal(t, 1, quota.used)

	lines := strings.Split(strings.TrimRight(string(job.FileContent), "\n"), "\n")
	assert.Contains(t, lines[2], "location_gps must be a string")
	assert.Contains(t, lines[2], csvfile.EmptyGeoJSON)
}

// Quota exhaustion mid-job: consumed rows succeed, the rest carry the
// exhaustion message, and the job lands in partial.
func TestProcessJobPartialOnTokenExhaustion(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 3}
	gc := &fakeGeoClient{}
	w, _ := newTestWorker(repo, quota, gc)

	seedJob(repo, "job-1", jobCSV(10))
	w.ProcessJob(context.Background(), "job-1")

	job := repo.get("job-1")
	assert.Equal(t, model.CSVStatusPartial, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Token allocation exhausted during processing", *job.Error)
	assert.Equal(t, 3, *job.SuccessfulRows)
	assert.Equal(t, 7, *job.FailedRows)
	assert.Equal(t, 3, quota.used)
	assert.Equal(t, 3, *job.TokensConsumed)

	assert.Contains(t, string(job.FileContent), "Your token allocation has been exhausted")
}

func TestProcessJobFailedOnProviderCredits(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	gc := &fakeGeoClient{err: geo.ErrQuotaExceeded}
	w, _ := newTestWorker(repo, quota, gc)

	seedJob(repo, "job-1", jobCSV(4))
	w.ProcessJob(context.Background(), "job-1")

	job := repo.get("job-1")
	assert.Equal(t, model.CSVStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "Catchment API credits exhausted", *job.Error)
	assert.Equal(t, 0, *job.SuccessfulRows)
	assert.Equal(t, 4, *job.FailedRows)
	// Nothing consumed: consumption happens strictly after provider success.
	assert.Equal(t, 0, quota.used)
	assert.Contains(t, string(job.FileContent), "Not enough credits (HTTP 402)")
}

func TestProcessJobStructuralFailureMissingAPIKey(t *testing.T) {
	setWorkerConfig(t)
	config.AppConfig.GeoAPIKey = ""

	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	gc := &fakeGeoClient{}
	w, _ := newTestWorker(repo, quota, gc)

	seedJob(repo, "job-1", jobCSV(3))
	w.ProcessJob(context.Background(), "job-1")

	job := repo.get("job-1")
	assert.Equal(t, model.CSVStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "GEO_API_KEY not set", *job.Error)
	assert.Equal(t, 3, *job.FailedRows)
	assert.Equal(t, 0, gc.callCount())

	// Every output row carries the same error.
	lines := strings.Split(strings.TrimRight(string(job.FileContent), "\n"), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines[1:] {
		assert.Contains(t, line, "GEO_API_KEY not set")
	}
}

func TestProcessJobVanishedJobIsSkipped(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	w, bus := newTestWorker(repo, &fakeQuotaRepo{limit: 1}, &fakeGeoClient{})

	sub := bus.Subscribe("ghost")
	w.ProcessJob(context.Background(), "ghost")

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event for vanished job: %v", ev)
	default:
	}
}

func TestProcessJobAlreadyTerminalIsSkipped(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	gc := &fakeGeoClient{}
	w, _ := newTestWorker(repo, quota, gc)

	seedJob(repo, "job-1", jobCSV(2))
	repo.jobs["job-1"].Status = model.CSVStatusDone

	w.ProcessJob(context.Background(), "job-1")
	assert.Equal(t, 0, gc.callCount())
	assert.Equal(t, model.CSVStatusDone, repo.get("job-1").Status)
}

// An unhandled panic must never leave the job stuck in processing.
func TestProcessJobPanicCommitsFailed(t *testing.T) {
	setWorkerConfig(t)
	repo := newFakeJobRepo()
	repo.markProcessingPanics = true
	quota := &fakeQuotaRepo{limit: 100}
	w, _ := newTestWorker(repo, quota, &fakeGeoClient{})

	input := jobCSV(2)
	seedJob(repo, "job-1", input)
	require.NotPanics(t, func() { w.ProcessJob(context.Background(), "job-1") })

	job := repo.get("job-1")
	assert.Equal(t, model.CSVStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "unhandled error")
	assert.NotNil(t, job.ProcessingCompletedAt)

	// No rows ran, so all of them count as failed and the totals still add up.
	require.NotNil(t, job.SuccessfulRows)
	assert.Equal(t, 0, *job.SuccessfulRows)
	assert.Equal(t, 2, *job.FailedRows)
	assert.Equal(t, *job.TotalRows, *job.SuccessfulRows+*job.FailedRows)

	// No output was assembled; the original upload stays downloadable.
	assert.Equal(t, input, job.FileContent)
}

func TestProcessJobPublishesLifecycleEvents(t *testing.T) {
	setWorkerConfig(t)
	const rows = 3

	repo := newFakeJobRepo()
	quota := &fakeQuotaRepo{limit: 100}
	w, bus := newTestWorker(repo, quota, &fakeGeoClient{})

	seedJob(repo, "job-1", jobCSV(rows))
	sub := bus.Subscribe("job-1")

	w.ProcessJob(context.Background(), "job-1")
	bus.Unsubscribe(sub)

	var types []string
	maxPercentage := 0.0
	for ev := range sub.C {
		types = append(types, ev.Type)
		if ev.Type == model.EventProgress && ev.Percentage != nil && *ev.Percentage > maxPercentage {
			maxPercentage = *ev.Percentage
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, model.EventStart, types[0])
	assert.Equal(t, model.EventComplete, types[len(types)-1])

	progressCount := 0
	for _, ty := range types {
		if ty == model.EventProgress {
			progressCount++
		}
	}
	assert.Equal(t, rows, progressCount)
	// The goroutine that completed the final row reports 100%.
	assert.InDelta(t, 100.0, maxPercentage, 0.01)
}
