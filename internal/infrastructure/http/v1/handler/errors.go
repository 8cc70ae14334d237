package handler

import "errors"

var (
	ErrInvalidBBox      = errors.New("bbox must be minX,minY,maxX,maxY in EPSG:27700")
	ErrTooManyTiles     = errors.New("requested extent covers too many tiles")
	ErrAllTilesFailed   = errors.New("no tile of the requested extent could be loaded")
	InternalServerError = errors.New("server encountered a problem and could not process your request")
)
