// services/errors.go
package services

// MissingInputError means a stage's expected input file was absent when the
// stage started. Non-retryable: the asset goes straight to FAILED.
type MissingInputError struct {
	Path string
}

func (e *MissingInputError) Error() string {
	return "missing input file: " + e.Path
}
