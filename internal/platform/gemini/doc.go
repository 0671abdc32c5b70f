// Package gemini implements generation.CaptionGenerator with Google's Gemini
// API through the google.golang.org/genai client.
//
// For each image the generator:
//   - downloads the image (bounded by LLMConfig.MaxImageBytes)
//   - renders the caption prompt from settings
//   - sends the prompt and the image as inline data
//   - maps API failures onto the generation error sentinels
//
// Rate limits and server errors become generation.ErrTransientFailure so
// the worker's retry policy can take over; rejected input, blocked content
// and empty answers are permanent.
package gemini
