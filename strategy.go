// Copyright 2015 Daniel Pupius

package rcache

import (
	"strings"

	"github.com/jmgilman/go/errors"
)

// DiskCacheStrategy controls which pipeline stages read and write the disk
// cache.
type DiskCacheStrategy int

const (
	// Automatic caches source data fetched remotely and results decoded from
	// local data.
	Automatic DiskCacheStrategy = iota
	// All caches both source data and results.
	All
	// None never touches the disk cache.
	None
	// SourceOnly caches only the raw source data.
	SourceOnly
	// ResultOnly caches only transformed results.
	ResultOnly
)

var strategyNames = map[DiskCacheStrategy]string{
	Automatic:  "automatic",
	All:        "all",
	None:       "none",
	SourceOnly: "source",
	ResultOnly: "result",
}

func (s DiskCacheStrategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseDiskCacheStrategy maps a name, as returned by String, to a strategy.
func ParseDiskCacheStrategy(name string) (DiskCacheStrategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Automatic, nil
	}
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return Automatic, errors.Newf(errors.CodeInvalidInput, "unknown disk cache strategy %q", name)
}

// DecodeCachedResult reports whether the result cache is consulted.
func (s DiskCacheStrategy) DecodeCachedResult() bool {
	return s == Automatic || s == All || s == ResultOnly
}

// DecodeCachedSource reports whether the source cache is consulted.
func (s DiskCacheStrategy) DecodeCachedSource() bool {
	return s == Automatic || s == All || s == SourceOnly
}

// CacheSource reports whether data fetched from ds is written to the source
// cache.
func (s DiskCacheStrategy) CacheSource(ds DataSource) bool {
	switch s {
	case All, SourceOnly:
		return ds == Local || ds == Remote
	case Automatic:
		return ds == Remote
	}
	return false
}

// CacheResult reports whether a resource decoded from ds is written to the
// result cache. Resources that came from a cache tier are never written back.
func (s DiskCacheStrategy) CacheResult(ds DataSource) bool {
	if ds == ResultCache || ds == FromMemoryCache {
		return false
	}
	switch s {
	case All, ResultOnly:
		return true
	case Automatic:
		return ds == Local
	}
	return false
}

// UnmarshalYAML lets strategies be named in configuration files.
func (s *DiskCacheStrategy) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseDiskCacheStrategy(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
