// Package dataset feeds labeled graph-pair batches to the training loop.
package dataset

import (
	"encoding/gob"
	"io"
	"math/rand"
	"os"

	"github.com/pkg/errors"

	"github.com/protml/protmotion/internal/graphs"
)

// Sample is one labeled mini-batch: the before/after graph batches of a set of
// perturbed proteins plus one class label per pair. The base (single-graph)
// classifier ignores Before.
type Sample struct {
	Before *graphs.Batch
	After  *graphs.Batch
	Labels []int32
}

// Validate checks both batches and the label arity.
func (s *Sample) Validate() error {
	if s.After == nil {
		return &graphs.InvalidBatchError{Reason: "sample has no after batch"}
	}
	if err := s.After.Validate(); err != nil {
		return err
	}
	if s.Before != nil {
		if err := s.Before.Validate(); err != nil {
			return err
		}
		if s.Before.NumGraphs() != s.After.NumGraphs() {
			return &graphs.InvalidBatchError{Reason: "before and after batches have different graph counts"}
		}
	}
	if len(s.Labels) != s.After.NumGraphs() {
		return &graphs.InvalidBatchError{Reason: "label count does not match the batch graph count"}
	}
	return nil
}

// Source yields samples one epoch at a time. Next returns io.EOF at the end of
// the epoch; Reset rewinds for the next one.
type Source interface {
	Reset() error
	Next() (*Sample, error)
}

// InMemory is a Source over an in-memory sample list, optionally bounded: when
// MaxSize is exceeded, Add overwrites the oldest samples first, keeping the
// pool fresh for continual training.
type InMemory struct {
	samples []*Sample
	next    int

	maxSize int
	oldest  int
}

var _ Source = (*InMemory)(nil)

// NewInMemory creates a source over the given samples. maxSize <= 0 means
// unbounded.
func NewInMemory(samples []*Sample, maxSize int) *InMemory {
	return &InMemory{samples: samples, maxSize: maxSize}
}

// Add appends a sample, rotating out the oldest one when the pool is full.
func (m *InMemory) Add(sample *Sample) {
	if m.maxSize <= 0 || len(m.samples) < m.maxSize {
		m.samples = append(m.samples, sample)
		return
	}
	m.samples[m.oldest] = sample
	m.oldest = (m.oldest + 1) % m.maxSize
}

// Len returns the number of samples in the pool.
func (m *InMemory) Len() int { return len(m.samples) }

// Reset implements Source.
func (m *InMemory) Reset() error {
	m.next = 0
	return nil
}

// Next implements Source.
func (m *InMemory) Next() (*Sample, error) {
	if m.next >= len(m.samples) {
		return nil, io.EOF
	}
	sample := m.samples[m.next]
	m.next++
	return sample, nil
}

// Shuffle permutes the sample order in place.
func (m *InMemory) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(m.samples), func(i, j int) {
		m.samples[i], m.samples[j] = m.samples[j], m.samples[i]
	})
}

// Split partitions the pool into train and validation sources, the last
// fraction of samples going to validation. The receiver is unchanged.
func (m *InMemory) Split(validationFraction float64) (train, validation *InMemory) {
	cut := len(m.samples) - int(float64(len(m.samples))*validationFraction)
	if cut < 0 {
		cut = 0
	}
	if cut > len(m.samples) {
		cut = len(m.samples)
	}
	return NewInMemory(m.samples[:cut], 0), NewInMemory(m.samples[cut:], 0)
}

// Save writes the pool to path with gob encoding.
func (m *InMemory) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create dataset file %s", path)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(m.samples); err != nil {
		return errors.Wrapf(err, "failed to encode dataset to %s", path)
	}
	return nil
}

// Load reads a pool written by Save.
func Load(path string, maxSize int) (*InMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset file %s", path)
	}
	defer f.Close()
	var samples []*Sample
	if err := gob.NewDecoder(f).Decode(&samples); err != nil {
		return nil, errors.Wrapf(err, "failed to decode dataset from %s", path)
	}
	return NewInMemory(samples, maxSize), nil
}
