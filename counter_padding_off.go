//go:build !chm_opt_enablepadding

package chm

// enablePadding is false, see counter_padding_on.go.
const enablePadding = false

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	c int64 // Counter value, accessed atomically
}
