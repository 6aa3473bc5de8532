//go:build race

package chm

// raceEnabled reports whether the binary was built with -race. Stress
// tests use it to scale down, since the detector slows atomics heavily.
const raceEnabled = true
