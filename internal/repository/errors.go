package repository

import "errors"

var (
	// ErrJobNotFound is returned when a crawl job ID is unknown or has expired.
	ErrJobNotFound = errors.New("crawl job not found")
)
