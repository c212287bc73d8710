package model

import "time"

// Calibration holds the linear conversion parameters for the load cell.
// Exactly one record exists; weight = (raw - Offset) / Factor.
type Calibration struct {
	Factor         float64    `json:"factor"`
	Offset         float64    `json:"offset"`
	LastCalibrated *time.Time `json:"last_calibrated,omitempty"`
}

// RawReading is a single raw ADC observation submitted by the sensor.
type RawReading struct {
	RawValue  float64   `json:"raw_value"`
	Timestamp time.Time `json:"timestamp"`
}

// Reading is the latest calibrated weight known to the server.
type Reading struct {
	Weight     float64   `json:"weight"`
	RawValue   float64   `json:"raw_value"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// WeightUpdate is the realtime push payload: the latest reading without
// its server-side receive time, plus the calibration that produced it.
type WeightUpdate struct {
	Weight      float64     `json:"weight"`
	RawValue    float64     `json:"raw_value"`
	Timestamp   time.Time   `json:"timestamp"`
	Calibration Calibration `json:"calibration"`
}
