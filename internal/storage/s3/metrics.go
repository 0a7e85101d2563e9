package s3

import "time"

// BackendMetrics tracks S3 backend request statistics
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesUploaded   int64         `json:"bytes_uploaded"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`

	CargoShipUploads int64 `json:"cargoship_uploads"`
	FallbackEvents   int64 `json:"fallback_events"`
}

// ErrorRate returns Errors/Requests.
func (m BackendMetrics) ErrorRate() float64 {
	if m.Requests == 0 {
		return 0
	}
	return float64(m.Errors) / float64(m.Requests)
}

func (b *Backend) recordMetrics(duration time.Duration, isError bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordLocked(duration, isError)
}

func (b *Backend) recordLocked(duration time.Duration, isError bool) {
	b.metrics.Requests++
	if isError {
		b.metrics.Errors++
	}

	// Calculate rolling average latency
	if b.metrics.Requests == 1 {
		b.metrics.AverageLatency = duration
	} else {
		b.metrics.AverageLatency = time.Duration(
			(int64(b.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

func (b *Backend) recordError(duration time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordLocked(duration, true)
	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
}

func (b *Backend) recordUpload(duration time.Duration, size int, cargoShip bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordLocked(duration, false)
	b.metrics.BytesUploaded += int64(size)
	if cargoShip {
		b.metrics.CargoShipUploads++
	}
}
