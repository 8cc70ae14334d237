package usecase

import "errors"

var (
	ErrCacheMiss       = errors.New("cache miss")
	ErrCacheIncomplete = errors.New("cached tile is missing features")
	ErrNetworkFailure  = errors.New("network refresh failed")
	// ErrRepeatedFailure is returned when a tile needs a second network
	// refresh within one load; the first one already failed.
	ErrRepeatedFailure = errors.New("tile already refreshed in this load")
	ErrUnalignedTile   = errors.New("extent is not a grid tile")
)
