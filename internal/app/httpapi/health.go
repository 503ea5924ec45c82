package httpapi

import (
	"net/http"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	app "github.com/charachat/charachat/internal/app"
)

type healthResponse struct {
	Status     string       `json:"status"`
	Version    string       `json:"version"`
	Storage    string       `json:"storage"`
	Cache      string       `json:"cache"`
	Services   []string     `json:"services"`
	Process    *processInfo `json:"process,omitempty"`
	Goroutines int          `json:"goroutines"`
}

type processInfo struct {
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	UptimeSeconds uint64  `json:"host_uptime_seconds"`
}

// health reports liveness plus a few process figures. Failing to read
// process stats does not make the service unhealthy.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	cfg := h.app.Config
	resp := healthResponse{
		Status:     "ok",
		Version:    app.Version,
		Storage:    cfg.Database.Driver,
		Cache:      cfg.Cache.Driver,
		Services:   h.app.Services(),
		Goroutines: runtime.NumGoroutine(),
	}
	if info, err := readProcessInfo(r); err != nil {
		h.log.WithError(err).Debug("process stats unavailable")
	} else {
		resp.Process = info
	}
	writeJSON(w, http.StatusOK, resp)
}

func readProcessInfo(r *http.Request) (*processInfo, error) {
	ctx := r.Context()
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return nil, err
	}
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return &processInfo{RSSBytes: mem.RSS, CPUPercent: cpu, UptimeSeconds: uptime}, nil
}
