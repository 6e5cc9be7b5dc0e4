package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI stands in for an InfluxDB writer when none is configured. It
// keeps a count of points per measurement so tests can assert on metrics.
type MockWriteAPI struct {
	mu     sync.Mutex
	points map[string]int
}

func (m *MockWriteAPI) WriteRecord(line string) {}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	if point == nil {
		return
	}
	m.mu.Lock()
	if m.points == nil {
		m.points = make(map[string]int)
	}
	m.points[point.Name()]++
	m.mu.Unlock()
}

// Points returns how many points were written for measurement.
func (m *MockWriteAPI) Points(measurement string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points[measurement]
}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

func (m *MockWriteAPI) Errors() <-chan error { return nil }
