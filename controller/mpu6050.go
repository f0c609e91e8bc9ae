package controller

import (
	"context"
	"iter"
	"math"
	"time"

	wipi "github.com/vencik/wipi"
	"github.com/vencik/wipi/internal/timefmt"
)

// Supported MPU6050 measurement ranges.
var (
	accelRanges = map[int]bool{2: true, 4: true, 8: true, 16: true}
	gyroRanges  = map[int]bool{250: true, 500: true, 1000: true, 2000: true}
)

// defaultAddress is the MPU6050 SMBus address.
const defaultAddress = 0x68

// gravity in m/s².
const gravity = 9.80665

// Sampler supplies motion readings. The I²C register access of a real
// sensor lives behind this interface; the default sampler synthesizes a
// slow oscillation so that hosts without the sensor still stream plausible
// data.
type Sampler interface {
	// Accel returns acceleration along x/y/z, in m/s², or in g when unitG
	// is set.
	Accel(unitG bool) (x, y, z float64)

	// Gyro returns angular velocity around x/y/z in deg/s.
	Gyro() (x, y, z float64)
}

type syntheticSampler struct {
	start time.Time
}

func (s syntheticSampler) Accel(unitG bool) (x, y, z float64) {
	t := time.Since(s.start).Seconds()
	x = 0.02 * math.Sin(t/3)
	y = 0.02 * math.Cos(t/5)
	z = gravity
	if unitG {
		x, y, z = x/gravity, y/gravity, 1
	}
	return x, y, z
}

func (s syntheticSampler) Gyro() (x, y, z float64) {
	t := time.Since(s.start).Seconds()
	return 0.5 * math.Sin(t/7), 0.5 * math.Cos(t/11), 0
}

// MPU6050 is the accelerometer & gyroscope controller.
type MPU6050 struct {
	wipi.Base
	sampler    Sampler
	address    int
	accelRange int
	gyroRange  int
}

// MPU6050Option configures an MPU6050 controller.
type MPU6050Option func(*MPU6050)

// WithAddress sets the sensor's SMBus address.
func WithAddress(address int) MPU6050Option {
	return func(m *MPU6050) { m.address = address }
}

// WithSampler replaces the reading source.
func WithSampler(sampler Sampler) MPU6050Option {
	return func(m *MPU6050) { m.sampler = sampler }
}

// NewMPU6050 creates a motion sensor controller with the default 2 g / 250
// deg/s measurement ranges.
func NewMPU6050(name string, opts ...MPU6050Option) *MPU6050 {
	m := &MPU6050{
		Base:       wipi.NewBase(name, wipi.Snake("MPU6050")),
		sampler:    syntheticSampler{start: time.Now()},
		address:    defaultAddress,
		accelRange: 2,
		gyroRange:  250,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetState implements wipi.Controller.
func (m *MPU6050) GetState() wipi.State {
	return wipi.State{
		"address":     m.address,
		"accel_range": m.accelRange,
		"gyro_range":  m.gyroRange,
	}
}

// SetState changes the measurement ranges. Unsupported values are ignored.
func (m *MPU6050) SetState(partial wipi.State) (wipi.State, error) {
	if v, ok := intValue(partial["accel_range"]); ok && accelRanges[v] {
		m.accelRange = v
	}
	if v, ok := intValue(partial["gyro_range"]); ok && gyroRanges[v] {
		m.gyroRange = v
	}
	return m.GetState(), nil
}

// Downstream streams timestamped motion readings.
//
// Query keys (all optional):
//
//	interval     float, seconds between readings (default: as fast as possible)
//	duration     float, how long to stream (default: until the consumer stops)
//	accel_data   bool, include acceleration (default true)
//	gyro_data    bool, include angular velocity (default true)
//	accel_unit_g bool, report acceleration in g (default false)
func (m *MPU6050) Downstream(ctx context.Context, query wipi.State) iter.Seq[wipi.Chunk] {
	interval := durationValue(query["interval"])
	duration := durationValue(query["duration"])

	accelData := boolValue(query["accel_data"], true)
	gyroData := boolValue(query["gyro_data"], true)
	accelUnitG := boolValue(query["accel_unit_g"], false)

	return func(yield func(wipi.Chunk) bool) {
		var stopAt time.Time
		if duration > 0 {
			stopAt = time.Now().Add(duration)
		}

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			now := time.Now()
			if ctx.Err() != nil {
				return
			}
			if !stopAt.IsZero() && !now.Before(stopAt) {
				return
			}

			data := wipi.State{"timestamp": timefmt.FormatPrecise(now)}
			if accelData {
				x, y, z := m.sampler.Accel(accelUnitG)
				data["accel_data"] = wipi.State{"x": x, "y": y, "z": z}
			}
			if gyroData {
				x, y, z := m.sampler.Gyro()
				data["gyro_data"] = wipi.State{"x": x, "y": y, "z": z}
			}
			if !yield(wipi.Chunk{Data: data}) {
				return
			}

			if interval > 0 {
				timer.Reset(time.Until(now.Add(interval)))
				select {
				case <-timer.C:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64: // JSON numbers
		return int(n), true
	default:
		return 0, false
	}
}

func durationValue(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	default:
		return 0
	}
}

func boolValue(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
