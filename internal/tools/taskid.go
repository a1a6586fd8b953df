package tools

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// newTaskID produces a task-<unix-ms>-<random> identifier — human
// sortable by creation time, with enough entropy to avoid collision
// between two tasks scheduled in the same millisecond.
func newTaskID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("task-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}
