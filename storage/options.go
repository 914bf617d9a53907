package storage

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	// DefaultLeafCapacity is the number of slots in a new leaf.
	DefaultLeafCapacity = 48

	// DefaultInnerFanout is the number of separator keys an inner node
	// holds before it splits.
	DefaultInnerFanout = 4

	// DefaultFilterCapacity is the expected number of keys the lookup
	// filter is sized for.
	DefaultFilterCapacity = 1 << 16

	// DefaultFilterFPR is the lookup filter's target false positive rate.
	DefaultFilterFPR = 0.01
)

const (
	// MaxKeySize is the maximum length of a key, in bytes.
	MaxKeySize = 32768

	// MaxValueSize is the maximum length of a value, in bytes.
	MaxValueSize = (1 << 31) - 2

	// MaxLeafCapacity is the largest supported leaf capacity.
	MaxLeafCapacity = 1 << 12
)

// Options configures a Tree.
type Options struct {
	// LeafCapacity is the number of slots per leaf. It only applies when
	// the tree is created; 0 uses the capacity the tree was created with,
	// or DefaultLeafCapacity for a new tree.
	LeafCapacity int

	// InnerFanout is the maximum number of keys in an inner node. The
	// volatile index is rebuilt on every open so it can change freely.
	InnerFanout int

	// FilterCapacity and FilterFPR size the lookup filter. A capacity of 0
	// disables the filter.
	FilterCapacity uint
	FilterFPR      float64

	Logger *zap.Logger
}

// Option sets a field of Options.
type Option func(*Options)

// WithLeafCapacity sets the slots per leaf for a new tree.
func WithLeafCapacity(n int) Option {
	return func(o *Options) { o.LeafCapacity = n }
}

// WithInnerFanout sets the inner node fanout.
func WithInnerFanout(n int) Option {
	return func(o *Options) { o.InnerFanout = n }
}

// WithFilter sizes the lookup filter; a capacity of 0 disables it.
func WithFilter(capacity uint, fpr float64) Option {
	return func(o *Options) {
		o.FilterCapacity = capacity
		o.FilterFPR = fpr
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func newOptions(opts []Option) (Options, error) {
	o := Options{
		InnerFanout:    DefaultInnerFanout,
		FilterCapacity: DefaultFilterCapacity,
		FilterFPR:      DefaultFilterFPR,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	if o.LeafCapacity < 0 || o.LeafCapacity > MaxLeafCapacity {
		return o, fmt.Errorf("%w: leaf capacity %d not in [1, %d]", ErrInvalidOption, o.LeafCapacity, MaxLeafCapacity)
	}
	if o.InnerFanout < 2 {
		return o, fmt.Errorf("%w: inner fanout %d is below 2", ErrInvalidOption, o.InnerFanout)
	}
	if o.FilterCapacity > 0 && (o.FilterFPR <= 0 || o.FilterFPR >= 1) {
		return o, fmt.Errorf("%w: filter false positive rate %v not in (0, 1)", ErrInvalidOption, o.FilterFPR)
	}
	return o, nil
}
