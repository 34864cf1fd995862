// Command collectord is the daemon entry point: it wires a CollectorContext,
// the in-memory repositories, and a manager.Manager together, registers
// every protocol driver by import side effect, seeds at most one device
// from the -seed-device flag, and exposes the device control-plane callbacks as a tiny local
// HTTP surface. The real REST/gRPC control plane is out of scope; this is
// only enough surface to drive the runtime end-to-end from one flat
// flag-parsed main().
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fieldgrid/collector"
	"github.com/fieldgrid/collector/factory"
	"github.com/fieldgrid/collector/manager"
	"github.com/fieldgrid/collector/pipeline"
	"github.com/fieldgrid/collector/repository"

	_ "github.com/fieldgrid/collector/drivers/bacnetip"
	_ "github.com/fieldgrid/collector/drivers/httprest"
	_ "github.com/fieldgrid/collector/drivers/modbus"
	_ "github.com/fieldgrid/collector/drivers/mqtt"
	_ "github.com/fieldgrid/collector/drivers/noiselink"
)

func main() {
	addrFlag := flag.String("addr", ":8090", "HTTP control surface listen address")
	seedFlag := flag.String("seed-device", "", "device_id:protocol:endpoint of one device to register at startup (only one device can be seeded)")
	pollFlag := flag.Duration("seed-poll", time.Second, "polling interval applied to the seeded device")
	queueDepthFlag := flag.Int("queue-depth", 64, "per-device pipeline queue capacity before oldest batches are dropped")
	autostartFlag := flag.Bool("autostart", true, "start every enabled device's worker immediately")
	logLevelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error")

	flag.Usage = printUsage
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevelFlag)}))
	slog.SetDefault(logger)

	devices := repository.NewMemoryDeviceRepository()
	points := repository.NewMemoryDataPointRepository()
	current := repository.NewMemoryCurrentValueRepository()
	settings := repository.NewMemoryDeviceSettingsRepository()

	statusBus := pipeline.NewStatusBus()
	queue := pipeline.NewChannel(*queueDepthFlag)
	ctx := collector.NewCollectorContext(queue, statusBus)

	if *seedFlag != "" {
		if err := seedDevice(devices, points, *seedFlag, *pollFlag); err != nil {
			logger.Error("failed to seed device from -seed-device", "err", err)
			os.Exit(1)
		}
	}

	f := factory.New(ctx, devices, points, current, settings)
	mgr := manager.New(f)

	srv := &server{mgr: mgr, devices: devices, settings: settings, logger: logger}

	if *autostartFlag {
		started := mgr.StartAllActiveWorkers(context.Background(), "")
		logger.Info("autostart complete", "workers_started", started)
	}

	go drainQueue(queue, current, logger)

	mux := http.NewServeMux()
	srv.register(mux)

	logger.Info("collectord listening", "addr", *addrFlag, "registered_protocols", collector.RegisteredProtocols())
	if err := http.ListenAndServe(*addrFlag, mux); err != nil {
		logger.Error("http server exited", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// seedDevice parses "device_id:protocol:endpoint" and registers the device
// with the given polling interval and no data points; operators add points
// through the repositories directly in a real deployment.
func seedDevice(devices *repository.MemoryDeviceRepository, _ *repository.MemoryDataPointRepository, raw string, poll time.Duration) error {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("expected device_id:protocol:endpoint, got %q", raw)
	}
	devices.Put(repository.DeviceEntity{
		DeviceID:          parts[0],
		ProtocolType:      parts[1],
		Endpoint:          parts[2],
		Enabled:           true,
		PollingIntervalMs: poll.Milliseconds(),
		TimeoutMs:         5000,
	})
	return nil
}

// drainQueue stands in for the external consumer batches are handed off
// to: it records each good sample as the point's latest known value (so a
// later ReloadWorker hydrates against real data) and logs the batch at debug
// level to prove the pipeline is flowing instead of silently backing up.
func drainQueue(q *pipeline.Channel, current *repository.MemoryCurrentValueRepository, logger *slog.Logger) {
	ctx := context.Background()
	for {
		batch, priority, ok := q.Next(ctx)
		if !ok {
			return
		}
		for _, tv := range batch.Values {
			if tv.Quality != collector.QualityGood {
				continue
			}
			current.Put(repository.CurrentValueEntity{
				PointID:    tv.PointID,
				Value:      tv.Value,
				CapturedAt: tv.CapturedAt,
			})
		}
		logger.Debug("batch drained", "device_id", batch.DeviceID, "sequence", batch.Sequence, "priority", priority, "values", len(batch.Values))
	}
}

// server is the control-plane HTTP shim.
type server struct {
	mgr      *manager.Manager
	devices  *repository.MemoryDeviceRepository
	settings *repository.MemoryDeviceSettingsRepository
	logger   *slog.Logger
}

func (s *server) register(mux *http.ServeMux) {
	mux.HandleFunc("/devices/", s.handleDeviceAction)
	mux.HandleFunc("/devices", s.handleList)
	mux.HandleFunc("/stats", s.handleStats)
}

// handleDeviceAction routes /devices/{id}/{action} for the per-device
// control-plane operations: start, stop, pause, resume, restart, reload,
// status, write, settings.
func (s *server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/devices/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "expected /devices/{device_id}/{action}", http.StatusBadRequest)
		return
	}
	deviceID, action := parts[0], parts[1]
	ctx := r.Context()

	switch action {
	case "start":
		writeBool(w, s.mgr.StartWorker(ctx, deviceID))
	case "stop":
		writeBool(w, s.mgr.StopWorker(deviceID))
	case "pause":
		writeBool(w, s.mgr.PauseWorker(deviceID))
	case "resume":
		writeBool(w, s.mgr.ResumeWorker(deviceID))
	case "restart":
		writeBool(w, s.mgr.RestartWorker(ctx, deviceID))
	case "reload":
		writeBool(w, s.mgr.ReloadWorker(ctx, deviceID))
	case "status":
		s.handleStatus(w, deviceID)
	case "write":
		s.handleWrite(w, r, deviceID)
	case "settings":
		s.handleSettings(w, r, deviceID)
	default:
		http.Error(w, "unknown action "+action, http.StatusNotFound)
	}
}

func (s *server) handleStatus(w http.ResponseWriter, deviceID string) {
	snap, err := s.mgr.GetWorkerStatus(deviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

type writeRequest struct {
	PointID  string `json:"point_id"`
	Value    string `json:"value"`
	DataType string `json:"data_type"`
}

// handleWrite is the write-data-point callback: the value
// arrives string-encoded and is parsed per the point's declared data type.
func (s *server) handleWrite(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	v, err := collector.ParseValue(collector.DataType(req.DataType), req.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.mgr.WriteDataPoint(deviceID, req.PointID, v); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeBool(w, true)
}

type settingsRequest struct {
	AutoReconnect           bool  `json:"auto_reconnect"`
	RetryIntervalMs         int64 `json:"retry_interval_ms"`
	MaxRetriesPerCycle      int   `json:"max_retries_per_cycle"`
	WaitTimeAfterMaxRetries int64 `json:"wait_time_after_max_retries_ms"`
	KeepAliveEnabled        bool  `json:"keep_alive_enabled"`
	KeepAliveIntervalS      int64 `json:"keep_alive_interval_s"`
	ConnectionTimeoutS      int64 `json:"connection_timeout_s"`
}

// handleSettings updates a device's reconnection policy, persisting
// the new policy to the settings repository (so a future ReloadWorker picks
// it up too) and applying it to the live worker.
func (s *server) handleSettings(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	entity := repository.SettingsEntity{
		DeviceID:                deviceID,
		AutoReconnect:           req.AutoReconnect,
		RetryIntervalMs:         req.RetryIntervalMs,
		MaxRetriesPerCycle:      req.MaxRetriesPerCycle,
		WaitTimeAfterMaxRetries: req.WaitTimeAfterMaxRetries,
		KeepAliveEnabled:        req.KeepAliveEnabled,
		KeepAliveIntervalS:      req.KeepAliveIntervalS,
		ConnectionTimeoutS:      req.ConnectionTimeoutS,
	}
	s.settings.Put(entity)
	if err := s.mgr.UpdateDeviceSettings(deviceID, entity); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeBool(w, true)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mgr.GetWorkerList())
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.mgr.GetManagerStats())
}

func writeBool(w http.ResponseWriter, ok bool) {
	writeJSON(w, map[string]bool{"ok": ok})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func printUsage() {
	fmt.Println("collectord - industrial data-acquisition collector daemon")
	fmt.Println("Usage:")
	fmt.Println("  collectord [-addr :8090] [-seed-device id:protocol:endpoint] [-seed-poll 1s] [-queue-depth 64] [-autostart] [-log-level info]")
	fmt.Println()
	fmt.Println("Control surface (once running):")
	fmt.Println("  GET  /devices                       list registered workers")
	fmt.Println("  GET  /stats                          manager-wide counters")
	fmt.Println("  POST /devices/{id}/start|stop|pause|resume|restart|reload")
	fmt.Println("  GET  /devices/{id}/status             worker status snapshot")
	fmt.Println("  POST /devices/{id}/write              {\"point_id\",\"value\",\"data_type\"}")
	fmt.Println("  POST /devices/{id}/settings           reconnection policy fields")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  collectord -seed-device dev-1:http_rest:http://localhost:9001/status -addr :8090")
}
