package agent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/flotilla-run/flotilla/pkg/utils"
	"github.com/labstack/echo/v4"

	_ "net/http/pprof"
)

// Aggregated worker counters, served on the status endpoint.
type WorkerStatistics struct {
	WorkerId       string  `json:"worker_id"`
	Status         string  `json:"status"`
	Load           float64 `json:"load"`
	ActiveJobs     int     `json:"active_jobs"`
	IdleProcesses  int     `json:"idle_processes"`
	OffersAccepted int64   `json:"offers_accepted"`
	OffersRejected int64   `json:"offers_rejected"`
	OffersLapsed   int64   `json:"offers_lapsed"`
	JobsLaunched   int64   `json:"jobs_launched"`
	Reconnects     int64   `json:"reconnects"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
}

func (w *Worker) Statistics() WorkerStatistics {
	return WorkerStatistics{
		WorkerId:       w.WorkerId(),
		Status:         string(w.Status()),
		Load:           w.loadFn(),
		ActiveJobs:     w.pool.ActiveJobs(),
		IdleProcesses:  w.pool.IdleCount(),
		OffersAccepted: w.stats.offersAccepted.Load(),
		OffersRejected: w.stats.offersRejected.Load(),
		OffersLapsed:   w.stats.offersLapsed.Load(),
		JobsLaunched:   w.stats.jobsLaunched.Load(),
		Reconnects:     w.stats.reconnects.Load(),
		UptimeSeconds:  int64(time.Since(w.startedAt).Seconds()),
	}
}

// One process as listed by the status endpoint.
type ProcessInfo struct {
	JobId    string `json:"job_id,omitempty"`
	RoomName string `json:"room_name,omitempty"`
	State    string `json:"state"`
	Pid      int    `json:"pid"`
	LogId    string `json:"log_id"`
}

func (w *Worker) processInfos() []ProcessInfo {
	procs := w.pool.Processes()

	infos := make([]ProcessInfo, 0, len(procs))
	for _, sup := range procs {
		info := ProcessInfo{
			State: string(sup.State()),
			Pid:   sup.Pid(),
			LogId: sup.LogId(),
		}
		if job := sup.Job(); job != nil {
			info.JobId = job.Job.Id
			info.RoomName = job.Job.RoomName
		}
		infos = append(infos, info)
	}
	return infos
}

func NewHttpHandler(worker *Worker, r *echo.Echo) {
	r.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, worker.Statistics())
	})

	r.GET("/jobs", func(c echo.Context) error {
		return c.JSON(http.StatusOK, worker.processInfos())
	})

	r.GET("/health", func(c echo.Context) error {
		if worker.isClosed() {
			return c.String(http.StatusServiceUnavailable, "closed")
		}
		return c.String(http.StatusOK, "ok")
	})

	r.GET("/metrics", func(c echo.Context) error {
		stats := worker.Statistics()

		metrics := fmt.Sprintln("# TYPE flotilla_worker_jobs gauge")
		metrics += fmt.Sprintln("# HELP flotilla_worker_jobs The number of jobs currently running.")
		metrics += fmt.Sprintf("flotilla_worker_jobs %d\n", stats.ActiveJobs)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_jobs_total counter")
		metrics += fmt.Sprintln("# HELP flotilla_worker_jobs_total The total number of jobs launched.")
		metrics += fmt.Sprintf("flotilla_worker_jobs_total %d\n", stats.JobsLaunched)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_idle_processes gauge")
		metrics += fmt.Sprintln("# HELP flotilla_worker_idle_processes The number of warm idle processes.")
		metrics += fmt.Sprintf("flotilla_worker_idle_processes %d\n", stats.IdleProcesses)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_load gauge")
		metrics += fmt.Sprintln("# HELP flotilla_worker_load The current worker load.")
		metrics += fmt.Sprintf("flotilla_worker_load %g\n", stats.Load)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_offers_accepted_total counter")
		metrics += fmt.Sprintln("# HELP flotilla_worker_offers_accepted_total The total number of accepted job offers.")
		metrics += fmt.Sprintf("flotilla_worker_offers_accepted_total %d\n", stats.OffersAccepted)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_offers_rejected_total counter")
		metrics += fmt.Sprintln("# HELP flotilla_worker_offers_rejected_total The total number of rejected job offers.")
		metrics += fmt.Sprintf("flotilla_worker_offers_rejected_total %d\n", stats.OffersRejected)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_offers_lapsed_total counter")
		metrics += fmt.Sprintln("# HELP flotilla_worker_offers_lapsed_total The total number of accepted offers that never received an assignment.")
		metrics += fmt.Sprintf("flotilla_worker_offers_lapsed_total %d\n", stats.OffersLapsed)

		metrics += fmt.Sprintln("# TYPE flotilla_worker_reconnects_total counter")
		metrics += fmt.Sprintln("# HELP flotilla_worker_reconnects_total The total number of reconnect attempts.")
		metrics += fmt.Sprintf("flotilla_worker_reconnects_total %d\n", stats.Reconnects)

		c.String(http.StatusOK, metrics)
		return nil
	})
}

// Start the auxiliary status/debug HTTP server.
func (w *Worker) serveHttp() error {
	addr, err := utils.ParseHttpUrl(w.config.ListenHttp)
	if err != nil {
		return err
	}

	r := echo.New()
	r.HideBanner = true
	r.HidePort = true
	r.Use(utils.HttpLogger(w.logger))

	NewHttpHandler(w, r)
	r.GET("/debug/pprof/*", echo.WrapHandler(http.DefaultServeMux))

	w.mu.Lock()
	w.http = r
	w.mu.Unlock()

	w.logger.Info("Serving status endpoint on", addr)

	go func() {
		if err := r.Start(addr); err != nil && err != http.ErrServerClosed {
			w.logger.Warn("Status endpoint failed:", err)
		}
	}()

	return nil
}
