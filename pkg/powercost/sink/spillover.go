package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/metrics"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

const maxLineSize = 1 << 20

// Spillover is an append-only JSON-lines buffer for records the store could
// not accept. Appends are serialized; Drain must have a single caller.
type Spillover struct {
	mu      sync.Mutex
	path    string
	pending int
}

// NewSpillover opens the buffer at path, counting records left by a previous run
func NewSpillover(path string) (*Spillover, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create spillover directory: %v", err)
	}

	s := &Spillover{path: path}
	for _, p := range []string{s.path, s.drainPath()} {
		n, err := countLines(p)
		if err != nil {
			return nil, err
		}
		s.pending += n
	}
	metrics.SpilloverRecords.Set(float64(s.pending))

	if s.pending > 0 {
		klog.InfoS("Found spilled records from a previous run", "path", path, "records", s.pending)
	}
	return s, nil
}

func (s *Spillover) drainPath() string {
	return s.path + ".replay"
}

// Append persists rec at the end of the buffer
func (s *Spillover) Append(rec types.CostRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal spilled record: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendLines(s.path, [][]byte{line}); err != nil {
		return err
	}
	s.pending++
	metrics.SpilloverRecords.Set(float64(s.pending))
	return nil
}

// Len returns the number of records waiting
func (s *Spillover) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Drain hands every buffered record to write. Records write rejects are put
// back in the buffer; the rest are removed. Appends may continue while
// write is running.
func (s *Spillover) Drain(write func(types.CostRecord) error) (written, remaining int, err error) {
	// An interrupted drain leaves its file behind and is resumed before rotating again
	s.mu.Lock()
	if _, statErr := os.Stat(s.drainPath()); os.IsNotExist(statErr) {
		if err := os.Rename(s.path, s.drainPath()); err != nil && !os.IsNotExist(err) {
			s.mu.Unlock()
			return 0, 0, fmt.Errorf("failed to rotate spillover file: %v", err)
		}
	}
	s.mu.Unlock()

	f, err := os.Open(s.drainPath())
	if os.IsNotExist(err) {
		return 0, s.Len(), nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open spillover file: %v", err)
	}

	var failed [][]byte
	var consumed int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		consumed++

		var rec types.CostRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			klog.ErrorS(err, "Discarding corrupt spillover line", "path", s.drainPath())
			continue
		}
		if err := write(rec); err != nil {
			failed = append(failed, append([]byte(nil), line...))
			continue
		}
		written++
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return written, s.Len(), fmt.Errorf("failed to read spillover file: %v", scanErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendLines(s.path, failed); err != nil {
		return written, s.pending, err
	}
	if err := os.Remove(s.drainPath()); err != nil {
		return written, s.pending, fmt.Errorf("failed to remove drained spillover file: %v", err)
	}

	s.pending -= consumed - len(failed)
	if s.pending < 0 {
		s.pending = 0
	}
	metrics.SpilloverRecords.Set(float64(s.pending))
	return written, s.pending, nil
}

func appendLines(path string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open spillover file: %v", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write spillover file: %v", err)
	}
	return f.Sync()
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open spillover file: %v", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n, scanner.Err()
}
