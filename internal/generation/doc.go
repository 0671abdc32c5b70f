// Package generation defines the boundary between caption tasks and the
// external AI service that writes captions. Implementations live under
// internal/platform; the Gemini client is the production one.
package generation
