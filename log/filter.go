// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

// FilterOption is a filter option.
type FilterOption func(*Filter)

// FilterLevel drops records below the given level.
func FilterLevel(level Level) FilterOption {
	return func(opts *Filter) {
		opts.level = level
	}
}

// FilterFunc installs a custom filter callback. A true return drops the
// record.
func FilterFunc(f func(level Level, keyvals ...interface{}) bool) FilterOption {
	return func(opts *Filter) {
		opts.filter = f
	}
}

// Filter is a level filtering logger.
type Filter struct {
	logger Logger
	level  Level
	filter func(level Level, keyvals ...interface{}) bool
}

// NewFilter wraps a logger with filter options.
func NewFilter(logger Logger, opts ...FilterOption) *Filter {
	options := Filter{logger: logger}
	for _, o := range opts {
		o(&options)
	}
	return &options
}

// Log implements Logger.
func (f *Filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	if f.filter != nil && f.filter(level, keyvals...) {
		return nil
	}
	return f.logger.Log(level, keyvals...)
}
