package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"craftscale/scale-server/internal/config"
	"craftscale/scale-server/internal/hub"
	"craftscale/scale-server/internal/model"
	"craftscale/scale-server/internal/mqttingest"
	"craftscale/scale-server/internal/scale"
	"craftscale/scale-server/internal/store"
)

// persisted app_config key for the calibration seed factor override.
const defaultFactorKey = "default_factor"

// App wires together the CraftScale services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	hub    *hub.Hub
	bridge *mqttingest.Bridge
	mdns   *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath, a.cfg.DefaultFactor)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.applyPersistedConfig(ctx)

	a.hub = hub.New(a.logger)
	defer a.hub.Close()

	if a.cfg.MQTTBrokerURL != "" {
		bridge := mqttingest.New(a.cfg.MQTTBrokerURL, a.cfg.MQTTTopic, a.logger, a.ingestRaw)
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
		a.bridge = bridge
		defer a.bridge.Stop()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.EnableMDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	}
}

// applyPersistedConfig folds operator overrides from the app_config table
// into the running configuration before any calibration row is seeded.
func (a *App) applyPersistedConfig(ctx context.Context) {
	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Warn("load persisted config", "error", err)
		return
	}

	if v, ok := persisted[defaultFactorKey]; ok {
		factor, err := strconv.ParseFloat(v, 64)
		if err != nil || factor == 0 {
			a.logger.Warn("ignoring invalid persisted default factor", "value", v)
			return
		}
		a.store.OverrideDefaultFactor(factor)
		a.logger.Info("using persisted default calibration factor", "factor", factor)
	}
}

// ingestRaw is the single ingestion path shared by the HTTP endpoint and
// the MQTT bridge: convert with the active calibration, overwrite the
// current reading, then hand off to the broadcaster without waiting on it.
func (a *App) ingestRaw(ctx context.Context, raw model.RawReading) (model.Reading, model.Calibration, error) {
	cal, err := a.store.Calibration(ctx)
	if err != nil {
		return model.Reading{}, model.Calibration{}, fmt.Errorf("load calibration: %w", err)
	}

	weight, err := scale.Convert(raw.RawValue, cal)
	if err != nil {
		// A zero factor poisons every reading that follows; refuse it.
		a.logger.Error("conversion rejected", "raw_value", raw.RawValue, "error", err)
		return model.Reading{}, model.Calibration{}, err
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	reading := model.Reading{
		Weight:     weight,
		RawValue:   raw.RawValue,
		Timestamp:  ts,
		ReceivedAt: time.Now().UTC(),
	}

	if err := a.store.SetCurrentReading(ctx, reading); err != nil {
		return model.Reading{}, model.Calibration{}, fmt.Errorf("persist reading: %w", err)
	}

	a.hub.BroadcastWeight(model.WeightUpdate{
		Weight:      reading.Weight,
		RawValue:    reading.RawValue,
		Timestamp:   reading.Timestamp,
		Calibration: cal,
	})

	a.logger.Info("ingested reading", "raw_value", raw.RawValue, "weight", weight)
	return reading, cal, nil
}

// ingestLegacy stores an already-calibrated weight from older firmware.
// No calibration lookup happens on this path.
func (a *App) ingestLegacy(ctx context.Context, weight float64, ts time.Time) (model.Reading, error) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	reading := model.Reading{
		Weight:     weight,
		Timestamp:  ts,
		ReceivedAt: time.Now().UTC(),
	}

	if err := a.store.SetCurrentReading(ctx, reading); err != nil {
		return model.Reading{}, fmt.Errorf("persist reading: %w", err)
	}

	a.hub.BroadcastWeight(model.WeightUpdate{
		Weight:    reading.Weight,
		Timestamp: reading.Timestamp,
	})

	a.logger.Info("ingested legacy weight", "weight", weight)
	return reading, nil
}
