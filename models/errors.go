package models

const (
	// Malformed input such as a NaN or out of range coordinate. Rejects a
	// single delta or request.
	ErrTypeValidation = "validation_error"

	// Reference to an entity that is not registered.
	ErrTypeNotFound = "not_found"

	// Registration of an entity that is already registered.
	ErrTypeAlreadyExists = "already_exists"

	// Invalid construction parameters. Fatal at startup.
	ErrTypeConfiguration = "configuration_error"
)
