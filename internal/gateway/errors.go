package gateway

import "errors"

// Gateway error types.
var (
	ErrBucketExists       = errors.New("bucket already exists")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrObjectNotFound     = errors.New("object not found")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidObjectState = errors.New("operation is not valid for the object's storage class or restore state")
	ErrRestoreInProgress  = errors.New("object restore is already in progress")
)
