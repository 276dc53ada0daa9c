package domain

import "errors"

var (
	ErrWatchNotFound  = errors.New("watch not found")
	ErrDuplicateWatch = errors.New("watch already exists")
)
