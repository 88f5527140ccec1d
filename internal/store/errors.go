package store

import "errors"

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrStoreClosed   = errors.New("store closed")
	ErrMissingDSN    = errors.New("database url is required")

	// Operation errors.

	ErrFailedToInsert = errors.New("failed to insert")
	ErrFailedToQuery  = errors.New("failed to query")
	ErrFailedToScan   = errors.New("failed to scan")
	ErrFailedToInit   = errors.New("failed to initialize schema")
)
