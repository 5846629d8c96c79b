package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"catchment_api/internal/api/middleware"
	"catchment_api/internal/app/notify"
	"catchment_api/internal/app/service"
	"catchment_api/internal/common"
	"catchment_api/internal/csvfile"
	"catchment_api/internal/domain/model"
	"catchment_api/internal/platform/config"

	"github.com/go-chi/chi/v5"
	"github.com/gosimple/slug"
)

type CatchmentHandler struct {
	catchmentService *service.CatchmentService
	bus              *notify.Bus
}

func NewCatchmentHandler(cs *service.CatchmentService, bus *notify.Bus) *CatchmentHandler {
	return &CatchmentHandler{catchmentService: cs, bus: bus}
}

func (h *CatchmentHandler) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Authenticator) // All catchment routes require auth
	r.Get("/sample-csv", h.sampleCSV)
	r.Post("/bulk", h.bulkSubmit)
	r.Get("/csv-status/{csvID}", h.csvStatus)
	r.Get("/csv/{csvID}", h.downloadCSV)
	r.Get("/csvs", h.listCSVs)
	r.Get("/events/{csvID}", h.streamEvents)
}

func (h *CatchmentHandler) sampleCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=sample_catchment.csv")
	w.Write(csvfile.SampleCSV())
}

func (h *CatchmentHandler) bulkSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not found in request context")
		return
	}
	username, _ := middleware.GetUsernameFromContext(r.Context())

	// Transport-level bound slightly above the admission limit so oversized
	// uploads get the admission error text, not a connection reset.
	r.Body = http.MaxBytesReader(w, r.Body, config.AppConfig.MaxUploadBytes+1024)

	file, header, err := r.FormFile("file")
	if err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "CSV file upload required in 'file' field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		common.RespondWithError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	result, err := h.catchmentService.SubmitBulk(r.Context(), userID, username, header.Filename, content)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	common.RespondWithJSON(w, http.StatusOK, result)
}

func (h *CatchmentHandler) csvStatus(w http.ResponseWriter, r *http.Request) {
	csvID := chi.URLParam(r, "csvID")
	status, err := h.catchmentService.JobStatus(r.Context(), csvID)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), "CSV file not found")
		return
	}
	common.RespondWithJSON(w, http.StatusOK, status)
}

func (h *CatchmentHandler) downloadCSV(w http.ResponseWriter, r *http.Request) {
	csvID := chi.URLParam(r, "csvID")
	job, err := h.catchmentService.Download(r.Context(), csvID)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}

	filename := slug.Make(strings.TrimSuffix(job.Filename, ".csv"))
	if filename == "" {
		filename = "catchment"
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", filename))
	w.Write(job.FileContent)
}

func (h *CatchmentHandler) listCSVs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		common.RespondWithError(w, http.StatusUnauthorized, "User not found in request context")
		return
	}
	jobs, err := h.catchmentService.ListJobs(r.Context(), userID)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), err.Error())
		return
	}
	if jobs == nil {
		jobs = []model.CSVJob{}
	}
	common.RespondWithJSON(w, http.StatusOK, jobs)
}

// streamEvents serves the live status stream as server-sent events. Every
// subscriber first receives an init snapshot; a stream opened on an already
// terminal job gets that snapshot and closes immediately.
func (h *CatchmentHandler) streamEvents(w http.ResponseWriter, r *http.Request) {
	csvID := chi.URLParam(r, "csvID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		common.RespondWithError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	// Subscribe before reading the snapshot: a transition committed after
	// the subscription lands on the channel, one committed before shows in
	// the snapshot. Either way the client sees it.
	sub := h.bus.Subscribe(csvID)
	defer h.bus.Unsubscribe(sub)

	job, err := h.catchmentService.Job(r.Context(), csvID)
	if err != nil {
		common.RespondWithError(w, common.HTTPStatusFromError(err), "CSV file not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	init := model.Event{
		Type:      model.EventInit,
		CSVID:     csvID,
		Status:    job.Status,
		Error:     job.Error,
		TotalRows: job.TotalRows,
	}
	if err := writeSSE(w, flusher, init); err != nil {
		return
	}
	if model.IsTerminalStatus(job.Status) {
		return
	}

	heartbeat := time.NewTicker(config.AppConfig.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			hb := model.Event{Type: model.EventHeartbeat, CSVID: csvID, Timestamp: time.Now().UTC()}
			if err := writeSSE(w, flusher, hb); err != nil {
				return
			}
		case event, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, event); err != nil {
				return
			}
			if event.Type == model.EventComplete {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event model.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ERROR: Failed to marshal SSE event for CSV %s: %v", event.CSVID, err)
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
