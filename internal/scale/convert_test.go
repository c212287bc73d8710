package scale

import (
	"errors"
	"math"
	"testing"

	"craftscale/scale-server/internal/model"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name     string
		rawValue float64
		cal      model.Calibration
		want     float64
	}{
		{
			name:     "default factor one count of itself is one gram",
			rawValue: -7050,
			cal:      model.Calibration{Factor: -7050, Offset: 0},
			want:     1.00,
		},
		{
			name:     "raw equal to offset reads zero",
			rawValue: -1000,
			cal:      model.Calibration{Factor: -7050, Offset: -1000},
			want:     0.00,
		},
		{
			name:     "negative result clamps to zero",
			rawValue: 7050,
			cal:      model.Calibration{Factor: -7050, Offset: 0},
			want:     0,
		},
		{
			name:     "rounds to two decimals",
			rawValue: -7050 * 1.2345,
			cal:      model.Calibration{Factor: -7050, Offset: 0},
			want:     1.23,
		},
		{
			name:     "offset shifts the zero point",
			rawValue: -10575,
			cal:      model.Calibration{Factor: -7050, Offset: 500},
			want:     1.57,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.rawValue, tt.cal)
			if err != nil {
				t.Fatalf("Convert returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Convert(%v, %+v) = %v, want %v", tt.rawValue, tt.cal, got, tt.want)
			}
		})
	}
}

func TestConvertZeroFactor(t *testing.T) {
	_, err := Convert(1234, model.Calibration{Factor: 0})
	if !errors.Is(err, ErrZeroFactor) {
		t.Fatalf("expected ErrZeroFactor, got %v", err)
	}
}

func TestConvertMatchesFormula(t *testing.T) {
	cals := []model.Calibration{
		{Factor: -7050, Offset: 0},
		{Factor: -7050, Offset: -1000},
		{Factor: 2150.5, Offset: 8400},
	}
	raws := []float64{-70500, -7050, -1000, 0, 1000, 84000}

	for _, cal := range cals {
		for _, raw := range raws {
			want := (raw - cal.Offset) / cal.Factor
			if want < 0 {
				want = 0
			}
			want = math.Round(want*100) / 100

			got, err := Convert(raw, cal)
			if err != nil {
				t.Fatalf("Convert(%v, %+v) returned error: %v", raw, cal, err)
			}
			if got != want {
				t.Errorf("Convert(%v, %+v) = %v, want %v", raw, cal, got, want)
			}
		}
	}
}

func TestNewFactor(t *testing.T) {
	factor, err := NewFactor(-70500, 10, 0)
	if err != nil {
		t.Fatalf("NewFactor returned error: %v", err)
	}
	if factor != -7050 {
		t.Errorf("NewFactor(-70500, 10, 0) = %v, want -7050", factor)
	}

	if _, err := NewFactor(100, 0, 0); err == nil {
		t.Error("expected error for zero known weight")
	}
}

func TestCalibrateThenConvertRoundTrip(t *testing.T) {
	const (
		offset      = 1200.0
		knownWeight = 250.0
		rawValue    = -7050*250 + offset
	)

	factor, err := NewFactor(rawValue, knownWeight, offset)
	if err != nil {
		t.Fatalf("NewFactor returned error: %v", err)
	}

	got, err := Convert(rawValue, model.Calibration{Factor: factor, Offset: offset})
	if err != nil {
		t.Fatalf("Convert returned error: %v", err)
	}
	if math.Abs(got-knownWeight) > 0.01 {
		t.Errorf("round trip = %v, want %v", got, knownWeight)
	}
}
