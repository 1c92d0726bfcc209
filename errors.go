package svcregistry

import (
	"errors"
)

// Service context errors
var (
	// Publish errors
	ErrInvalidContract    = errors.New("invalid contract")
	ErrNullImplementation = errors.New("implementation is nil")

	// Registration handle errors
	ErrModifyUnsupported  = errors.New("registry does not support metadata modification")
	ErrHandleUnregistered = errors.New("registration has been unregistered")

	// Teardown errors
	ErrTeardownUnsupported = errors.New("registry does not support owner teardown")

	// Construction errors
	ErrRegistryNil = errors.New("registry is nil")
	ErrCallbackNil = errors.New("tracker callback is nil")

	// Observer errors
	ErrObserverNil = errors.New("observer is nil")
)
