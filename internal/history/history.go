// Package history keeps a bounded, persisted ring buffer of periodic UPS
// readings.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jamesprial/apcwatch/internal/nis"
	"github.com/jamesprial/apcwatch/internal/store"
)

// DefaultMaxSamples is 48 hours at one sample per minute.
const DefaultMaxSamples = 2880

// Sample is one poll's numeric readings. Absent readings are nil.
type Sample struct {
	Time     time.Time `json:"time"`
	Charge   *float64  `json:"charge"`
	Load     *float64  `json:"load"`
	LineV    *float64  `json:"lineV"`
	Freq     *float64  `json:"freq"`
	TimeLeft *float64  `json:"timeLeft"`
}

// SampleFrom extracts a Sample from a status map.
func SampleFrom(m nis.StatusMap, at time.Time) Sample {
	return Sample{
		Time:     at,
		Charge:   m.FloatPtr("BCHARGE"),
		Load:     m.FloatPtr("LOADPCT"),
		LineV:    m.FloatPtr("LINEV"),
		Freq:     m.FloatPtr("LINEFREQ"),
		TimeLeft: m.FloatPtr("TIMELEFT"),
	}
}

// Store is a fixed-capacity ring buffer of samples. It is safe for
// concurrent use; Save holds the lock while copying, so an autosave never
// races with Append.
type Store struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	buf   []Sample
	start int
	n     int
}

// NewStore returns an empty Store holding at most max samples. max <= 0
// uses DefaultMaxSamples. A nil logger uses the logrus standard logger.
func NewStore(max int, logger logrus.FieldLogger) *Store {
	if max <= 0 {
		max = DefaultMaxSamples
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		log: logger.WithField("component", "history"),
		buf: make([]Sample, max),
	}
}

// Cap returns the maximum number of samples retained.
func (s *Store) Cap() int { return len(s.buf) }

// Append adds a sample, evicting the oldest when full.
func (s *Store) Append(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(sample)
}

func (s *Store) appendLocked(sample Sample) {
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = sample
		s.n++
		return
	}
	s.buf[s.start] = sample
	s.start = (s.start + 1) % len(s.buf)
}

// Len returns the number of samples held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Samples returns every sample, oldest first.
func (s *Store) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() []Sample {
	out := make([]Sample, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}

// Window returns the samples taken at or after since, oldest first.
func (s *Store) Window(since time.Time) []Sample {
	all := s.Samples()
	for i, smp := range all {
		if !smp.Time.Before(since) {
			return all[i:]
		}
	}
	return []Sample{}
}

// Latest returns the newest sample.
func (s *Store) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return Sample{}, false
	}
	return s.buf[(s.start+s.n-1)%len(s.buf)], true
}

// Save writes all samples to path as a JSON array.
func (s *Store) Save(path string) error {
	samples := s.Samples()
	if err := store.WriteJSON(path, samples); err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	return nil
}

// Load replaces the buffer contents with the samples stored at path,
// keeping the newest ones if the file holds more than Cap. A missing file
// leaves the store empty and is not an error.
func (s *Store) Load(path string) error {
	var samples []Sample
	if err := store.ReadJSON(path, &samples); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load metrics: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.n = 0, 0
	if over := len(samples) - len(s.buf); over > 0 {
		samples = samples[over:]
	}
	for _, smp := range samples {
		s.appendLocked(smp)
	}
	return nil
}

// RunAutosave saves to path every interval until ctx is done, then saves
// once more. Save failures are logged and retried on the next tick.
func (s *Store) RunAutosave(ctx context.Context, path string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.saveLogged(path)
			return
		case <-ticker.C:
			s.saveLogged(path)
		}
	}
}

func (s *Store) saveLogged(path string) {
	if err := s.Save(path); err != nil {
		s.log.WithError(err).WithField("path", path).Warn("metrics autosave failed")
		return
	}
	s.log.WithField("samples", s.Len()).Debug("metrics saved")
}
