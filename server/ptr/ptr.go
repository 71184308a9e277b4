// Package ptr includes functions for creating pointers from values.
package ptr

import "time"

func String(x string) *string {
	return &x
}

func Bool(x bool) *bool {
	return &x
}

func Int64(x int64) *int64 {
	return &x
}

func Time(x time.Time) *time.Time {
	return &x
}
