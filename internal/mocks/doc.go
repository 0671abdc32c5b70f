// Package mocks provides centralized mock implementations for testing.
//
// Each mock keeps a working in-memory default so tests can exercise real
// behaviour, and exposes function fields (named after the method with an Fn
// suffix) to inject failures:
//
//	taskStore := mocks.NewMockTaskStore()
//	taskStore.UpdateProgressFn = func(ctx context.Context, id string, p int, msg string) error {
//	    return errors.New("database down")
//	}
package mocks
