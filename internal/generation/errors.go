package generation

import "errors"

// Common errors returned by caption generators
var (
	// ErrGenerationFailed is returned when caption generation fails for any general reason
	ErrGenerationFailed = errors.New("failed to generate caption")

	// ErrInvalidResponse is returned when the model response cannot be parsed or is empty
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the image or prompt due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient error during caption generation")

	// ErrInvalidInput is returned when the model rejects the request itself
	ErrInvalidInput = errors.New("request rejected by language model")

	// ErrImageUnavailable is returned when an image cannot be fetched and a retry will not help
	ErrImageUnavailable = errors.New("image unavailable")

	// ErrInvalidConfig is returned when the generator configuration is invalid
	ErrInvalidConfig = errors.New("invalid generator configuration")
)

// IsPermanent reports whether err will fail the same way on every attempt.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrImageUnavailable)
}
