// Package dataset generates the synthetic modular-arithmetic equations used
// in the grokking experiments.
//
// Every example is an equation a ∘ b = c rendered as five tokens
// [a, op, b, eq, c] over the vocabulary {0..p-1, eq, op}, where
// c = (a² + ab + b²) mod p. The full cartesian grid 0 ≤ a < p, 0 < b < p is
// enumerated, deterministically shuffled, and split into train and
// validation halves.
package dataset

import (
	"fmt"
	"math/rand"
)

// SeqLen is the number of tokens in one equation.
const SeqLen = 5

// Example is one tokenized equation [a, op, b, eq, c].
type Example [SeqLen]int

// Set is the enumerated dataset for one modulus.
type Set struct {
	// P is the prime modulus.
	P int
	// EqToken and OpToken are the ids of the "=" and "∘" tokens.
	// EqToken = p, OpToken = p + 1, so the vocabulary size is p + 2.
	EqToken int
	OpToken int

	// Examples holds all p*(p-1) equations in enumeration order.
	Examples []Example
}

// Generate enumerates every equation for modulus p.
func Generate(p int) (*Set, error) {
	if p < 2 {
		return nil, fmt.Errorf("dataset: modulus must be >= 2, got %d", p)
	}
	s := &Set{
		P:       p,
		EqToken: p,
		OpToken: p + 1,
	}
	s.Examples = make([]Example, 0, p*(p-1))
	for a := 0; a < p; a++ {
		for b := 1; b < p; b++ {
			c := (a*a + a*b + b*b) % p
			s.Examples = append(s.Examples, Example{a, s.OpToken, b, s.EqToken, c})
		}
	}
	return s, nil
}

// VocabSize returns the number of distinct tokens, p + 2.
func (s *Set) VocabSize() int {
	return s.P + 2
}

// Split shuffles the examples with the given seed and returns the first
// fraction as the training split and the rest as validation. The receiver
// is left untouched.
func (s *Set) Split(fraction float64, seed int64) (train, valid []Example, err error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("dataset: train fraction must be in (0, 1), got %g", fraction)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(len(s.Examples))
	shuffled := make([]Example, len(s.Examples))
	for i, j := range perm {
		shuffled[i] = s.Examples[j]
	}
	cut := int(float64(len(shuffled)) * fraction)
	if cut == 0 || cut == len(shuffled) {
		return nil, nil, fmt.Errorf("dataset: fraction %g leaves an empty split for %d examples", fraction, len(shuffled))
	}
	return shuffled[:cut], shuffled[cut:], nil
}

// Shuffle permutes examples in place using the given source.
func Shuffle(examples []Example, rng *rand.Rand) {
	rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
}

// Batches splits examples into contiguous batches of at most batchSize.
func Batches(examples []Example, batchSize int) [][]Example {
	if batchSize <= 0 {
		batchSize = len(examples)
	}
	var out [][]Example
	for start := 0; start < len(examples); start += batchSize {
		end := start + batchSize
		if end > len(examples) {
			end = len(examples)
		}
		out = append(out, examples[start:end])
	}
	return out
}
