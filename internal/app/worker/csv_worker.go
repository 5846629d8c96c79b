package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"catchment_api/internal/app/notify"
	"catchment_api/internal/app/service"
	"catchment_api/internal/common"
	"catchment_api/internal/csvfile"
	"catchment_api/internal/domain/model"
	"catchment_api/internal/domain/repository"
	"catchment_api/internal/geo"
	"catchment_api/internal/platform/config"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

const (
	tokenExhaustedError = "Your token allocation has been exhausted"

	partialError     = "Token allocation exhausted during processing"
	creditsError     = "Catchment API credits exhausted"
	rowFailuresError = "Some rows failed, see errors column"
)

// CSVWorker drains the admission queue and runs each CSV job to a terminal
// state. Every job gets its own goroutine; within a job, rows fan out through
// a bounded pool. A job, once admitted, always ends in done, partial or
// failed — an orphaned processing job is a defect.
type CSVWorker struct {
	rdb          *redis.Client
	jobRepo      repository.CSVJobRepository
	tokenService *service.TokenService
	geoClient    geo.Client
	notifier     *notify.StatusNotifier
	webhooks     *service.WebhookService
	poolSize     int64
}

func NewCSVWorker(
	rdb *redis.Client,
	jobRepo repository.CSVJobRepository,
	tokenService *service.TokenService,
	geoClient geo.Client,
	notifier *notify.StatusNotifier,
	webhooks *service.WebhookService,
	poolSize int,
) *CSVWorker {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &CSVWorker{
		rdb:          rdb,
		jobRepo:      jobRepo,
		tokenService: tokenService,
		geoClient:    geoClient,
		notifier:     notifier,
		webhooks:     webhooks,
		poolSize:     int64(poolSize),
	}
}

// Start blocks on the queue until ctx is cancelled. Each popped job id runs in
// its own goroutine so a long job never delays admission of the next.
func (w *CSVWorker) Start(ctx context.Context) {
	log.Println("CSV worker started, listening to queue:", config.AppConfig.CatchmentQueueName)
	for {
		select {
		case <-ctx.Done():
			log.Println("CSV worker stopping...")
			return
		default:
			result, err := w.rdb.BRPop(ctx, 0*time.Second, config.AppConfig.CatchmentQueueName).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					log.Printf("Worker BRPop exiting or timed out: %v", err)
					time.Sleep(1 * time.Second)
					continue
				}
				log.Printf("ERROR: Failed to BRPop from queue '%s': %v", config.AppConfig.CatchmentQueueName, err)
				time.Sleep(5 * time.Second)
				continue
			}
			if len(result) < 2 || result[1] == "" {
				log.Println("WARN: BRPop returned empty job ID.")
				continue
			}
			jobID := result[1]
			log.Printf("Worker picked up CSV job ID: %s", jobID)
			go w.ProcessJob(ctx, jobID)
		}
	}
}

// ProcessJob runs one job end to end. Exported for the tests; production
// callers go through Start.
func (w *CSVWorker) ProcessJob(ctx context.Context, jobID string) {
	var (
		doc      *csvfile.Document
		geojsons []string
		rowErrs  []string
	)

	// Whatever happens below, the job must not stay in processing. The
	// recover path commits failed with any partial output already computed.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Unhandled panic processing CSV job %s: %v", jobID, r)
			errMsg := fmt.Sprintf("unhandled error: %v", r)
			res := &model.JobResult{Status: model.CSVStatusFailed, Error: &errMsg}
			if doc != nil {
				res.TotalRows = doc.RowCount()
				// Row counts must still add up to the total on this path.
				if geojsons != nil && rowErrs != nil {
					for _, e := range rowErrs {
						if e == "" {
							res.SuccessfulRows++
						} else {
							res.FailedRows++
						}
					}
					if output, err := doc.WriteResult(geojsons, rowErrs); err == nil {
						res.Output = output
					}
				} else {
					res.FailedRows = res.TotalRows
				}
			}
			w.finish(ctx, jobID, res)
		}
	}()

	job, err := w.jobRepo.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Printf("WARN: CSV job %s vanished before processing, skipping.", jobID)
			return
		}
		log.Printf("ERROR: Failed to fetch CSV job %s: %v", jobID, err)
		return
	}

	doc, err = csvfile.Parse(job.FileContent)
	if err != nil {
		errMsg := fmt.Sprintf("failed to parse stored CSV: %v", err)
		w.finish(ctx, jobID, &model.JobResult{Status: model.CSVStatusFailed, Error: &errMsg})
		return
	}
	total := doc.RowCount()

	if err := w.jobRepo.MarkProcessing(ctx, jobID, time.Now().UTC(), total); err != nil {
		// Another worker already owns it, or it is already terminal.
		log.Printf("WARN: CSV job %s not transitioned to processing: %v", jobID, err)
		return
	}
	w.notifier.JobStarted(ctx, jobID, total)

	// Structural problems fail the whole job with the errors column filled on
	// every row, before any provider call is spent.
	if missing := doc.MissingColumns(); len(missing) > 0 {
		message := "Missing columns: " + strings.Join(missing, ", ")
		w.failStructurally(ctx, jobID, doc, message)
		return
	}
	if config.AppConfig.GeoAPIKey == "" {
		w.failStructurally(ctx, jobID, doc, "GEO_API_KEY not set")
		return
	}

	geojsons = make([]string, total)
	rowErrs = make([]string, total)

	var (
		completed      atomic.Int64
		failedRows     atomic.Int64
		apiCalls       atomic.Int64
		tokensConsumed atomic.Int64
	)

	sem := semaphore.NewWeighted(w.poolSize)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-job: mark the remaining rows instead of hanging.
			for j := i; j < total; j++ {
				geojsons[j] = csvfile.EmptyGeoJSON
				rowErrs[j] = "processing cancelled"
			}
			break
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := w.processRow(ctx, job.UserID, doc.Row(idx))
			// Each goroutine owns exactly its original index, so the output
			// keeps input order no matter the completion order.
			geojsons[idx] = outcome.geojson
			rowErrs[idx] = strings.Join(outcome.errors, "; ")

			if outcome.apiCalled {
				apiCalls.Add(1)
			}
			if outcome.tokenConsumed {
				tokensConsumed.Add(1)
			}
			done := completed.Add(1)
			failed := failedRows.Load()
			if len(outcome.errors) > 0 {
				failed = failedRows.Add(1)
			}
			w.notifier.Progress(jobID, int(done), total, int(failed))
		}(i)
	}
	wg.Wait()

	output, err := doc.WriteResult(geojsons, rowErrs)
	if err != nil {
		// Should not happen; treat as infrastructure failure.
		panic(fmt.Sprintf("failed to assemble output CSV: %v", err))
	}

	res := aggregateResult(rowErrs)
	res.Output = output
	res.TotalRows = total
	res.APICallsMade = int(apiCalls.Load())
	res.TokensConsumed = int(tokensConsumed.Load())

	w.finish(ctx, jobID, res)
}

type rowOutcome struct {
	geojson       string
	errors        []string
	apiCalled     bool
	tokenConsumed bool
}

// processRow runs one row in isolation: validate, pre-check quota, enrich,
// consume on success. Any failure, including a panic, becomes this row's
// error string and nothing else.
func (w *CSVWorker) processRow(ctx context.Context, userID string, row csvfile.Row) (outcome rowOutcome) {
	outcome.geojson = csvfile.EmptyGeoJSON

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic processing row (location_id=%s): %v", row.LocationID, r)
			outcome.errors = append(outcome.errors, fmt.Sprintf("unexpected error processing row: %v", r))
		}
	}()

	validation := csvfile.ValidateRow(row)
	outcome.errors = validation.Errors
	if !validation.OK() {
		return outcome
	}

	// Availability is checked before spending a provider call; the
	// authoritative re-check happens under lock at consumption time.
	if !w.tokenService.HasAvailable(ctx, userID) {
		outcome.errors = append(outcome.errors, tokenExhaustedError)
		return outcome
	}

	catchmentType := geo.CatchmentDriveDistance
	if validation.Mode == csvfile.DriveModeTime {
		catchmentType = geo.CatchmentDriveTime
	}

	outcome.apiCalled = true
	raw, err := w.geoClient.FetchCatchment(ctx, validation.Lat, validation.Lon, catchmentType, validation.DriveValue)
	if err != nil {
		outcome.errors = append(outcome.errors, geo.RowErrorMessage(err))
		return outcome
	}

	// The provider billed this call, so consume strictly after success. A
	// lost consumption race is recorded as a row error; the provider call is
	// not refundable.
	if !w.tokenService.ConsumeOneAfterSuccess(ctx, userID) {
		outcome.errors = append(outcome.errors, tokenExhaustedError)
		return outcome
	}
	outcome.tokenConsumed = true

	polygon, err := geo.ExtractPolygon(raw)
	if err != nil {
		outcome.errors = append(outcome.errors, geo.RowErrorMessage(err))
		return outcome
	}
	outcome.geojson = polygon
	return outcome
}

// aggregateResult maps the per-row error sets onto the terminal status.
// Quota-only failures are partial; provider credit exhaustion or any other
// error is failed; a clean sheet is done.
func aggregateResult(rowErrs []string) *model.JobResult {
	var hasTokenExhaustion, hasProviderCredits, hasOther bool
	successful := 0
	failed := 0
	for _, e := range rowErrs {
		if e == "" {
			successful++
			continue
		}
		failed++
		switch {
		case strings.Contains(e, "Not enough credits"):
			hasProviderCredits = true
		case strings.Contains(e, tokenExhaustedError):
			hasTokenExhaustion = true
		default:
			hasOther = true
		}
	}

	res := &model.JobResult{SuccessfulRows: successful, FailedRows: failed}
	switch {
	case hasTokenExhaustion && !hasOther && !hasProviderCredits:
		res.Status = model.CSVStatusPartial
		msg := partialError
		res.Error = &msg
	case hasProviderCredits:
		res.Status = model.CSVStatusFailed
		msg := creditsError
		res.Error = &msg
	case failed > 0:
		res.Status = model.CSVStatusFailed
		msg := rowFailuresError
		res.Error = &msg
	default:
		res.Status = model.CSVStatusDone
	}
	return res
}

func (w *CSVWorker) failStructurally(ctx context.Context, jobID string, doc *csvfile.Document, message string) {
	res := &model.JobResult{
		Status:     model.CSVStatusFailed,
		Error:      &message,
		TotalRows:  doc.RowCount(),
		FailedRows: doc.RowCount(),
	}
	if output, err := doc.WriteUniformError(message); err == nil {
		res.Output = output
	}
	w.finish(ctx, jobID, res)
}

// finish commits the terminal transition and invokes the on-commit hook. The
// commit carries every dependent field, so observers never see the status
// without its data.
func (w *CSVWorker) finish(ctx context.Context, jobID string, res *model.JobResult) {
	if err := w.jobRepo.Complete(ctx, jobID, res, time.Now().UTC()); err != nil {
		log.Printf("ERROR: Failed to commit terminal state for CSV job %s: %v", jobID, err)
		return
	}
	w.notifier.JobCompleted(ctx, jobID, res)
	if w.webhooks != nil && w.webhooks.Enabled() {
		// Detached from the job context so shutdown does not cut the
		// callback short; the webhook client carries its own timeout.
		go w.webhooks.NotifyCompletion(context.Background(), jobID, res.Status)
	}
	log.Printf("INFO: CSV job %s finished with status %s (%d/%d rows failed)",
		jobID, res.Status, res.FailedRows, res.TotalRows)
}
