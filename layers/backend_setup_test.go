package layers

// Registers the pure-Go backend so tests can run without the XLA C libraries.
import _ "github.com/gomlx/gomlx/backends/simplego"
