package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"craftscale/scale-server/internal/model"
	"craftscale/scale-server/internal/scale"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	mux.HandleFunc("POST /api/weight/raw", a.handleIngestRaw)
	mux.HandleFunc("POST /api/weight", a.handleIngestLegacy)
	mux.HandleFunc("GET /api/weight/latest", a.handleLatest)

	mux.HandleFunc("GET /api/calibration", a.handleGetCalibration)
	mux.HandleFunc("POST /api/calibration", a.handleCalibrate)
	mux.HandleFunc("POST /api/calibration/tare", a.handleTare)

	mux.HandleFunc("GET /api/config", a.handleGetConfig)
	mux.HandleFunc("POST /api/config", a.handleUpdateConfig)

	mux.Handle("GET /ws", a.hub)

	return mux
}

func writeJSON(a *App, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encode response", "error", err)
	}
}

func writeError(a *App, w http.ResponseWriter, status int, msg string) {
	writeJSON(a, w, status, map[string]string{"error": msg})
}

// parseClientTimestamp accepts RFC3339 strings or epoch milliseconds (older
// firmware sends Date.now() as a string). Anything else falls back to zero,
// which the ingest path replaces with server time.
func parseClientTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts
	}
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return time.Time{}
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(a, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.store == nil || a.hub == nil {
		writeJSON(a, w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(a, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleIngestRaw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RawValue  *float64 `json:"rawValue"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RawValue == nil {
		writeError(a, w, http.StatusBadRequest, "rawValue must be a number")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	reading, cal, err := a.ingestRaw(ctx, model.RawReading{
		RawValue:  *req.RawValue,
		Timestamp: parseClientTimestamp(req.Timestamp),
	})
	if errors.Is(err, scale.ErrZeroFactor) {
		writeError(a, w, http.StatusInternalServerError, "calibration factor is zero, recalibrate the scale")
		return
	}
	if err != nil {
		a.logger.Error("raw ingestion failed", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	writeJSON(a, w, http.StatusOK, map[string]any{
		"success":   true,
		"rawValue":  reading.RawValue,
		"raw_value": reading.RawValue,
		"weight":    reading.Weight,
		"timestamp": reading.Timestamp,
		"calibration": map[string]float64{
			"factor": cal.Factor,
			"offset": cal.Offset,
		},
	})
}

func (a *App) handleIngestLegacy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Weight    *float64 `json:"weight"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Weight == nil {
		writeError(a, w, http.StatusBadRequest, "weight must be a number")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	reading, err := a.ingestLegacy(ctx, *req.Weight, parseClientTimestamp(req.Timestamp))
	if err != nil {
		a.logger.Error("legacy ingestion failed", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	writeJSON(a, w, http.StatusOK, map[string]any{
		"success": true,
		"weight":  reading.Weight,
	})
}

func (a *App) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	reading, err := a.store.CurrentReading(ctx)
	if err != nil {
		a.logger.Error("load current reading", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to load reading")
		return
	}

	cal, err := a.store.Calibration(ctx)
	if err != nil {
		a.logger.Error("load calibration", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to load calibration")
		return
	}

	writeJSON(a, w, http.StatusOK, map[string]any{
		"weight":      reading.Weight,
		"raw_value":   reading.RawValue,
		"timestamp":   reading.Timestamp,
		"received_at": reading.ReceivedAt,
		"calibration": cal,
	})
}

func (a *App) handleGetCalibration(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cal, err := a.store.Calibration(ctx)
	if err != nil {
		a.logger.Error("load calibration", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to load calibration")
		return
	}

	writeJSON(a, w, http.StatusOK, cal)
}

func (a *App) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnownWeight *float64 `json:"knownWeight"`
		RawValue    *float64 `json:"rawValue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.KnownWeight == nil || req.RawValue == nil {
		writeError(a, w, http.StatusBadRequest, "knownWeight and rawValue must be numbers")
		return
	}
	if *req.KnownWeight <= 0 {
		writeError(a, w, http.StatusBadRequest, "knownWeight must be greater than zero")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cal, err := a.store.Calibrate(ctx, *req.KnownWeight, *req.RawValue)
	if err != nil {
		a.logger.Error("calibration failed", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to update calibration")
		return
	}

	a.logger.Info("scale calibrated", "factor", cal.Factor, "known_weight", *req.KnownWeight)
	writeJSON(a, w, http.StatusOK, map[string]any{
		"success": true,
		"factor":  cal.Factor,
		"message": fmt.Sprintf("calibrated: factor %.2f", cal.Factor),
	})
}

func (a *App) handleTare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RawValue *float64 `json:"rawValue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RawValue == nil {
		writeError(a, w, http.StatusBadRequest, "rawValue must be a number")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cal, err := a.store.Tare(ctx, *req.RawValue)
	if err != nil {
		a.logger.Error("tare failed", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to update offset")
		return
	}

	a.logger.Info("scale tared", "offset", cal.Offset)
	writeJSON(a, w, http.StatusOK, map[string]any{
		"success": true,
		"offset":  cal.Offset,
		"message": fmt.Sprintf("zero point set to %.0f", cal.Offset),
	})
}

func (a *App) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("load app config", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to load config")
		return
	}

	writeJSON(a, w, http.StatusOK, map[string]any{
		"active": map[string]any{
			"http_port":      a.cfg.HTTPPort,
			"database_path":  a.cfg.DatabasePath,
			"log_level":      a.cfg.LogLevel,
			"default_factor": a.cfg.DefaultFactor,
			"mqtt_broker":    a.cfg.MQTTBrokerURL,
		},
		"persisted": persisted,
	})
}

func (a *App) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultFactor *float64 `json:"default_factor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(a, w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.DefaultFactor == nil {
		writeError(a, w, http.StatusBadRequest, "no supported fields provided")
		return
	}
	if *req.DefaultFactor == 0 {
		writeError(a, w, http.StatusBadRequest, "default_factor must be non-zero")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	value := strconv.FormatFloat(*req.DefaultFactor, 'f', -1, 64)
	if err := a.store.UpsertAppConfig(ctx, defaultFactorKey, value); err != nil {
		a.logger.Error("persist default factor", "error", err)
		writeError(a, w, http.StatusInternalServerError, "failed to persist config")
		return
	}
	a.store.OverrideDefaultFactor(*req.DefaultFactor)

	writeJSON(a, w, http.StatusOK, map[string]any{
		"updates": []map[string]string{{"key": defaultFactorKey, "value": value}},
	})
}
