//go:build !race

package chm

const raceEnabled = false
