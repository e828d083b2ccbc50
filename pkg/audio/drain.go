package audio

// Drain discards values from ch until it is closed. The session uses it so
// an endpoint's event producer can exit after a call is abandoned.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
