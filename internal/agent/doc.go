// Package agent runs one cooperative polling loop per agent: fetch new
// envelopes from the broker, hand each to a pluggable Handler and send any
// reply back. A failing message never stops the rest of its batch.
package agent
