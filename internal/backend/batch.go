package backend

import (
	"errors"
	"fmt"
)

// ErrInvalidBatch is wrapped by every Batch validation failure.
var ErrInvalidBatch = errors.New("invalid batch")

// Batch is one or more tokenized sequences packed into parallel flat arrays.
//
// InputIDs, TokenTypeIDs and PositionIDs are concatenated in sequence order
// and positionally aligned. CumulativeSeqLengths has one entry per sequence
// plus a leading 0; entry i is the total length of the first i sequences.
// PositionIDs are per sequence and usually count up from 0, but models with
// an offset (RoBERTa starts at 2) supply their own. MaxLength is the length
// of the longest sequence.
//
// A Batch is built once per inference call and handed to a Backend by value.
// Neither the caller nor the backend mutates it afterwards, and the backend
// does not keep references to its slices once the call returns.
type Batch struct {
	InputIDs             []uint32
	TokenTypeIDs         []uint32
	PositionIDs          []uint32
	CumulativeSeqLengths []uint32
	MaxLength            uint32
}

// Sequence is a single tokenized input as produced by a tokenizer.
type Sequence struct {
	InputIDs     []uint32 `json:"input_ids"`
	TokenTypeIDs []uint32 `json:"token_type_ids,omitempty"`
	PositionIDs  []uint32 `json:"position_ids,omitempty"`
}

// NewBatch packs seqs into a Batch. Missing token type ids default to 0 and
// missing position ids count up from 0 within each sequence. Empty sequences
// are packed as given; backends reject them at inference time.
func NewBatch(seqs ...Sequence) (Batch, error) {
	if len(seqs) == 0 {
		return Batch{}, fmt.Errorf("%w: at least one sequence is required", ErrInvalidBatch)
	}

	total := 0
	for i, s := range seqs {
		if s.TokenTypeIDs != nil && len(s.TokenTypeIDs) != len(s.InputIDs) {
			return Batch{}, fmt.Errorf("%w: sequence %d has %d token type ids for %d input ids",
				ErrInvalidBatch, i, len(s.TokenTypeIDs), len(s.InputIDs))
		}
		if s.PositionIDs != nil && len(s.PositionIDs) != len(s.InputIDs) {
			return Batch{}, fmt.Errorf("%w: sequence %d has %d position ids for %d input ids",
				ErrInvalidBatch, i, len(s.PositionIDs), len(s.InputIDs))
		}
		total += len(s.InputIDs)
	}

	b := Batch{
		InputIDs:             make([]uint32, 0, total),
		TokenTypeIDs:         make([]uint32, 0, total),
		PositionIDs:          make([]uint32, 0, total),
		CumulativeSeqLengths: make([]uint32, 1, len(seqs)+1),
	}
	for _, s := range seqs {
		b.InputIDs = append(b.InputIDs, s.InputIDs...)
		if s.TokenTypeIDs != nil {
			b.TokenTypeIDs = append(b.TokenTypeIDs, s.TokenTypeIDs...)
		} else {
			b.TokenTypeIDs = append(b.TokenTypeIDs, make([]uint32, len(s.InputIDs))...)
		}
		if s.PositionIDs != nil {
			b.PositionIDs = append(b.PositionIDs, s.PositionIDs...)
		} else {
			for pos := range s.InputIDs {
				b.PositionIDs = append(b.PositionIDs, uint32(pos))
			}
		}
		b.CumulativeSeqLengths = append(b.CumulativeSeqLengths, uint32(len(b.InputIDs)))
		if n := uint32(len(s.InputIDs)); n > b.MaxLength {
			b.MaxLength = n
		}
	}
	return b, nil
}

// Len returns the number of sequences in the batch.
func (b Batch) Len() int {
	if len(b.CumulativeSeqLengths) == 0 {
		return 0
	}
	return len(b.CumulativeSeqLengths) - 1
}

// Tokens returns the total number of tokens across all sequences.
func (b Batch) Tokens() int {
	return len(b.InputIDs)
}

// Span returns the [start, end) token range of sequence i.
func (b Batch) Span(i int) (start, end int) {
	return int(b.CumulativeSeqLengths[i]), int(b.CumulativeSeqLengths[i+1])
}

// Sequence returns a copy of sequence i.
func (b Batch) Sequence(i int) Sequence {
	start, end := b.Span(i)
	s := Sequence{
		InputIDs:     make([]uint32, end-start),
		TokenTypeIDs: make([]uint32, end-start),
		PositionIDs:  make([]uint32, end-start),
	}
	copy(s.InputIDs, b.InputIDs[start:end])
	copy(s.TokenTypeIDs, b.TokenTypeIDs[start:end])
	copy(s.PositionIDs, b.PositionIDs[start:end])
	return s
}

// Sequences unpacks the batch back into its sequences.
func (b Batch) Sequences() []Sequence {
	out := make([]Sequence, b.Len())
	for i := range out {
		out[i] = b.Sequence(i)
	}
	return out
}

// Select builds a new batch from the given sequences, in the given order.
// Position ids are copied from the receiver.
func (b Batch) Select(indices ...int) (Batch, error) {
	if len(indices) == 0 {
		return Batch{}, fmt.Errorf("%w: empty selection", ErrInvalidBatch)
	}
	n := b.Len()
	out := Batch{CumulativeSeqLengths: make([]uint32, 1, len(indices)+1)}
	for _, i := range indices {
		if i < 0 || i >= n {
			return Batch{}, fmt.Errorf("%w: sequence index %d out of range [0, %d)", ErrInvalidBatch, i, n)
		}
		start, end := b.Span(i)
		out.InputIDs = append(out.InputIDs, b.InputIDs[start:end]...)
		out.TokenTypeIDs = append(out.TokenTypeIDs, b.TokenTypeIDs[start:end]...)
		out.PositionIDs = append(out.PositionIDs, b.PositionIDs[start:end]...)
		out.CumulativeSeqLengths = append(out.CumulativeSeqLengths, uint32(len(out.InputIDs)))
		if l := uint32(end - start); l > out.MaxLength {
			out.MaxLength = l
		}
	}
	return out, nil
}

// Split cuts the batch into contiguous chunks of at most size sequences.
// A non-positive size, or a batch that already fits, is returned whole.
func (b Batch) Split(size int) []Batch {
	n := b.Len()
	if size <= 0 || n <= size {
		return []Batch{b}
	}
	chunks := make([]Batch, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		hi := min(lo+size, n)
		indices := make([]int, 0, hi-lo)
		for i := lo; i < hi; i++ {
			indices = append(indices, i)
		}
		chunk, _ := b.Select(indices...)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Validate checks the structural invariants of the batch and reports the
// first violation.
func (b Batch) Validate() error {
	if len(b.TokenTypeIDs) != len(b.InputIDs) {
		return fmt.Errorf("%w: %d token type ids for %d input ids", ErrInvalidBatch, len(b.TokenTypeIDs), len(b.InputIDs))
	}
	if len(b.PositionIDs) != len(b.InputIDs) {
		return fmt.Errorf("%w: %d position ids for %d input ids", ErrInvalidBatch, len(b.PositionIDs), len(b.InputIDs))
	}
	if len(b.CumulativeSeqLengths) < 2 {
		return fmt.Errorf("%w: batch holds no sequences", ErrInvalidBatch)
	}
	if b.CumulativeSeqLengths[0] != 0 {
		return fmt.Errorf("%w: cumulative sequence lengths start at %d", ErrInvalidBatch, b.CumulativeSeqLengths[0])
	}

	var longest uint32
	for i := 1; i < len(b.CumulativeSeqLengths); i++ {
		prev, cur := b.CumulativeSeqLengths[i-1], b.CumulativeSeqLengths[i]
		if cur < prev {
			return fmt.Errorf("%w: cumulative sequence lengths decrease at index %d", ErrInvalidBatch, i)
		}
		longest = max(longest, cur-prev)
	}
	if last := b.CumulativeSeqLengths[len(b.CumulativeSeqLengths)-1]; int(last) != len(b.InputIDs) {
		return fmt.Errorf("%w: cumulative sequence lengths end at %d for %d input ids", ErrInvalidBatch, last, len(b.InputIDs))
	}
	if b.MaxLength != longest {
		return fmt.Errorf("%w: max length %d, longest sequence is %d", ErrInvalidBatch, b.MaxLength, longest)
	}
	return nil
}
