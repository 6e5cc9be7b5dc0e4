package util

import "time"

func TimeOperationMicroseconds(op func()) int64 {
	start := time.Now()
	op()
	return time.Since(start).Microseconds()
}

// TimeOperationError is TimeOperationMicroseconds for operations that can fail.
func TimeOperationError(op func() error) (int64, error) {
	start := time.Now()
	err := op()
	return time.Since(start).Microseconds(), err
}
