// Package sanitizer normalises user input and scrubs text that came from
// remote providers before it reaches logs or error values.
package sanitizer
