package gateway

import "fmt"

// ValidationError is returned for malformed requests. No job is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UnknownVariantError is returned when the requested model is not configured.
// No job is created.
type UnknownVariantError struct {
	Variant string
}

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("Model %s is not supported", e.Variant)
}

// NotFoundError is returned by Status for ids that name no job
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}
