package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// lineQueue is a queue that works across processes: producers append lines to a file and
// the test polls it.
type lineQueue struct {
	t    *testing.T
	path string
	read int
}

func newLineQueue(t *testing.T) *lineQueue {
	path := filepath.Join(t.TempDir(), "queue")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return &lineQueue{t: t, path: path}
}

func putLine(path, s string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s + "\n")
	return err
}

func (q *lineQueue) put(s string) { require.NoError(q.t, putLine(q.path, s)) }

func (q *lineQueue) lines() []string {
	b, err := os.ReadFile(q.path)
	require.NoError(q.t, err)
	s := string(b)
	// ignore a line that is still being written
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	} else {
		return nil
	}
	return strings.Split(s, "\n")
}

func (q *lineQueue) get() string {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if l := q.lines(); len(l) > q.read {
			q.read++
			return l[q.read-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	q.t.Fatalf("timed out waiting for line %d of %s", q.read, q.path)
	return ""
}

func (q *lineQueue) empty() bool { return len(q.lines()) <= q.read }
