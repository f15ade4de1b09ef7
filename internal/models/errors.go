package models

import "errors"

// Error kinds. Services wrap their failures with one of these so callers can
// classify them with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("connection error")
	ErrQuery         = errors.New("query error")
	ErrPersistence   = errors.New("persistence error")
	ErrCompression   = errors.New("compression error")
	ErrUpload        = errors.New("upload error")
)
