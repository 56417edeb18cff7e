package apartment

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte(`goroutine `)

// getGoroutineID parses the id from the current goroutine's stack header,
// e.g. "goroutine 18 [running]:". It returns 0 if the header is malformed.
func getGoroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
