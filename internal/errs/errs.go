package errs

import "errors"

// Доменные сентинель-ошибки для маппинга в HTTP коды в handlers.
var (
	ErrDuplicateStream = errors.New("stream already has an active worker")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrLinkNotOpen     = errors.New("backend link is not open")
)
