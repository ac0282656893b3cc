// Package trust implements the stateful device-trust scoring engine.
// The engine is pure: it takes the current sensor payload plus the recent
// history window and returns a score with diagnostics. All I/O (history
// storage, baselines) stays with the caller.
package trust

import (
	"math"
)

// HistoryMax caps the scoring window. The recent-payload buffer in Redis is
// trimmed to the same bound.
const HistoryMax = 100

const emaAlpha = 0.2

// SensorPayload is the strongly-shaped heartbeat record used on the
// in-process path. The durable form is the JSON stored with the signal row.
type SensorPayload struct {
	Accelerometer        [3]float64 `json:"accelerometer"`
	Gyroscope            [3]float64 `json:"gyroscope"`
	Overlay              float64    `json:"overlay"`
	Proximity            float64    `json:"proximity"`
	TouchEvent           bool       `json:"touch_event"`
	MotionDelta          float64    `json:"motion_delta"`
	DeviceAdminEnabled   bool       `json:"device_admin_enabled"`
	AccessibilityEnabled bool       `json:"accessibility_enabled"`
}

// AccelMagnitude is the L1 magnitude of the accelerometer vector.
func (p *SensorPayload) AccelMagnitude() float64 {
	return math.Abs(p.Accelerometer[0]) + math.Abs(p.Accelerometer[1]) + math.Abs(p.Accelerometer[2])
}

// GyroMagnitude is the L1 magnitude of the gyroscope vector.
func (p *SensorPayload) GyroMagnitude() float64 {
	return math.Abs(p.Gyroscope[0]) + math.Abs(p.Gyroscope[1]) + math.Abs(p.Gyroscope[2])
}

// Diagnostics exposes the intermediate statistics behind a score. Returned
// to the analyzer for logging and threshold decisions.
type Diagnostics struct {
	AccelEMA     float64 `json:"accel_ema"`
	GyroEMA      float64 `json:"gyro_ema"`
	AccelStd     float64 `json:"accel_std"`
	GyroStd      float64 `json:"gyro_std"`
	AccelZ       float64 `json:"accel_z"`
	GyroZ        float64 `json:"gyro_z"`
	TouchEntropy float64 `json:"touch_entropy"`
	Correlation  float64 `json:"accel_gyro_correlation"`
	AccelScore   int     `json:"accel_score"`
	GyroScore    int     `json:"gyro_score"`
	TouchScore   int     `json:"touch_score"`
	NetworkScore int     `json:"network_spike_score"`
	WindowSize   int     `json:"window_size"`
}

// Score computes the composite trust score for the current payload given
// the recent history (newest first, as read from the sig:<device> buffer).
// The result is always in [0, 100]; higher means more trusted.
func Score(current *SensorPayload, history []*SensorPayload) (int, Diagnostics) {
	if len(history) > HistoryMax {
		history = history[:HistoryMax]
	}

	// Build chronological series: oldest history entry first, current last.
	n := len(history) + 1
	accel := make([]float64, 0, n)
	gyro := make([]float64, 0, n)
	touch := make([]bool, 0, n)
	for i := len(history) - 1; i >= 0; i-- {
		accel = append(accel, history[i].AccelMagnitude())
		gyro = append(gyro, history[i].GyroMagnitude())
		touch = append(touch, history[i].TouchEvent)
	}
	accel = append(accel, current.AccelMagnitude())
	gyro = append(gyro, current.GyroMagnitude())
	touch = append(touch, current.TouchEvent)

	accelEMA := ema(accel)
	gyroEMA := ema(gyro)
	accelStd := populationStd(accel)
	gyroStd := populationStd(gyro)

	accelZ := zScore(current.AccelMagnitude(), accelEMA, accelStd)
	gyroZ := zScore(current.GyroMagnitude(), gyroEMA, gyroStd)
	touchEntropy := shannonEntropy(touch)
	correlation := pearson(accel, gyro)

	accelScore := clampScore(100 - min100(int(math.Round(accelZ*20))))
	gyroScore := clampScore(100 - min100(int(math.Round(gyroZ*20))))
	touchScore := clampScore(100 - int(math.Round(touchEntropy*50)))
	networkScore := clampScore(int(math.Round(current.MotionDelta * 100)))

	composite := int(math.Round(
		0.40*float64(accelScore) +
			0.30*float64(gyroScore) +
			0.15*float64(touchScore) +
			0.15*float64(networkScore)))
	composite = clampScore(composite)

	return composite, Diagnostics{
		AccelEMA:     accelEMA,
		GyroEMA:      gyroEMA,
		AccelStd:     accelStd,
		GyroStd:      gyroStd,
		AccelZ:       accelZ,
		GyroZ:        gyroZ,
		TouchEntropy: touchEntropy,
		Correlation:  correlation,
		AccelScore:   accelScore,
		GyroScore:    gyroScore,
		TouchScore:   touchScore,
		NetworkScore: networkScore,
		WindowSize:   n,
	}
}

// TrustHint is the cheap synchronous estimate returned with the heartbeat
// ack, before the analyzer has run.
func TrustHint(p *SensorPayload) int {
	return clampScore(100 - int(math.Round(p.Overlay*100)))
}

// ema folds the series with alpha=0.2, seeding from the first sample.
func ema(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	e := series[0]
	for _, v := range series[1:] {
		e = emaAlpha*v + (1-emaAlpha)*e
	}
	return e
}

func populationStd(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	var sum float64
	for _, v := range series {
		sum += v
	}
	mean := sum / float64(len(series))
	var sq float64
	for _, v := range series {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(series)))
}

// zScore measures how far the current sample sits from the EMA in units of
// the window stddev. A perfectly flat window (std=0) falls back to the raw
// deviation so a constant stream still registers change.
func zScore(v, ema, std float64) float64 {
	if std == 0 {
		return math.Abs(v - ema)
	}
	return math.Abs(v-ema) / std
}

// shannonEntropy of the boolean touch series, in bits. Max 1 at p=0.5.
func shannonEntropy(series []bool) float64 {
	if len(series) == 0 {
		return 0
	}
	var trues int
	for _, t := range series {
		if t {
			trues++
		}
	}
	p := float64(trues) / float64(len(series))
	if p == 0 || p == 1 {
		return 0
	}
	q := 1 - p
	return -p*math.Log2(p) - q*math.Log2(q)
}

// pearson correlation between the accel and gyro magnitude series.
// Returns 0 for degenerate windows (n<2 or zero variance).
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 2 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	denom := math.Sqrt(varX * varY)
	if denom == 0 {
		return 0
	}
	return cov / denom
}

func min100(v int) int {
	if v > 100 {
		return 100
	}
	return v
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
