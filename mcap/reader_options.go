package mcap

import (
	"fmt"
	"math"
)

type ReadOrder int

const (
	FileOrder           ReadOrder = 0
	LogTimeOrder        ReadOrder = 1
	ReverseLogTimeOrder ReadOrder = 2
)

type ReadOptions struct {
	// Deprecated: use StartNanos instead
	Start int64
	// Deprecated: use EndNanos instead
	End      int64
	Topics   []string
	UseIndex bool
	Order    ReadOrder

	MetadataCallback func(*Metadata) error

	// Predicate, if set, is applied to each candidate message (after topic/time filtering, before
	// its payload is handed back to the caller) and excludes it from the iteration when it
	// returns false.
	Predicate func(*Message) bool

	StartNanos uint64
	EndNanos   uint64

	// ChunkCacheSize bounds the number of decompressed chunks an indexed read keeps in its LRU
	// cache. Zero means the reader's default.
	ChunkCacheSize int

	// Reconstruction controls whether an indexed read (UsingIndex(true)) may rebuild summary
	// information missing from the file by scanning its data section, via BuildSummary. The zero
	// value, ReconstructionNever, preserves the legacy behavior of reading only what the file's
	// own summary section already provides.
	Reconstruction ReconstructionMode
}

func (ro *ReadOptions) Finalize() {
	if ro.StartNanos == 0 && ro.Start > 0 {
		ro.StartNanos = uint64(ro.Start)
	}
	if ro.EndNanos == 0 && ro.End > 0 {
		ro.EndNanos = uint64(ro.End)
	}
	if ro.EndNanos == 0 {
		ro.EndNanos = math.MaxUint64
	}
}

type ReadOpt func(*ReadOptions) error

// After limits messages yielded by the reader to those with log times after this timestamp.
//
// Deprecated: the int64 argument does not permit the full range of possible message timestamps,
// use AfterNanos instead.
func After(start int64) ReadOpt {
	return func(ro *ReadOptions) error {
		if ro.End != 0 && ro.End < start {
			return fmt.Errorf("end cannot come before start")
		}
		ro.Start = start
		return nil
	}
}

// Before limits messages yielded by the reader to those with log times before this timestamp.
//
// Deprecated: the int64 argument does not permit the full range of possible message timestamps,
// use BeforeNanos instead.
func Before(end int64) ReadOpt {
	return func(ro *ReadOptions) error {
		if end < ro.Start {
			return fmt.Errorf("end cannot come before start")
		}
		ro.End = end
		return nil
	}
}

// AfterNanos limits messages yielded by the reader to those with log times after this timestamp.
func AfterNanos(start uint64) ReadOpt {
	return func(ro *ReadOptions) error {
		if ro.EndNanos != 0 && ro.EndNanos < start {
			return fmt.Errorf("end cannot come before start")
		}
		ro.StartNanos = start
		return nil
	}
}

// BeforeNanos limits messages yielded by the reader to those with log times before this timestamp.
func BeforeNanos(end uint64) ReadOpt {
	return func(ro *ReadOptions) error {
		if end < ro.StartNanos {
			return fmt.Errorf("end cannot come before start")
		}
		ro.EndNanos = end
		return nil
	}
}

func WithTopics(topics []string) ReadOpt {
	return func(ro *ReadOptions) error {
		ro.Topics = topics
		return nil
	}
}

func InOrder(order ReadOrder) ReadOpt {
	return func(ro *ReadOptions) error {
		if !ro.UseIndex && order != FileOrder {
			return fmt.Errorf("only file-order reads are supported when not using index")
		}
		ro.Order = order
		return nil
	}
}

func UsingIndex(useIndex bool) ReadOpt {
	return func(ro *ReadOptions) error {
		if ro.Order != FileOrder && !useIndex {
			return fmt.Errorf("only file-order reads are supported when not using index")
		}
		ro.UseIndex = useIndex
		return nil
	}
}

func WithMetadataCallback(callback func(*Metadata) error) ReadOpt {
	return func(ro *ReadOptions) error {
		ro.MetadataCallback = callback
		return nil
	}
}

// WithPredicate restricts the iteration to messages for which fn returns true. It is evaluated
// after topic and time-bound filtering and before the message payload is returned to the caller.
func WithPredicate(fn func(*Message) bool) ReadOpt {
	return func(ro *ReadOptions) error {
		ro.Predicate = fn
		return nil
	}
}

// WithChunkCacheSize sets the number of decompressed chunks an indexed read keeps cached. It has
// no effect on unindexed reads.
func WithChunkCacheSize(size int) ReadOpt {
	return func(ro *ReadOptions) error {
		if size < 0 {
			return fmt.Errorf("chunk cache size cannot be negative")
		}
		ro.ChunkCacheSize = size
		return nil
	}
}

// WithReconstruction sets how an indexed read (UsingIndex(true)) handles a file whose summary
// section is missing or incomplete: mode is passed to BuildSummary to load or reconstruct the
// information the indexed iterator needs.
func WithReconstruction(mode ReconstructionMode) ReadOpt {
	return func(ro *ReadOptions) error {
		ro.Reconstruction = mode
		return nil
	}
}
