// Package source starts the external transcoder whose standard output is the
// audio stream being broadcast.
package source
