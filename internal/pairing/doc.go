// Package pairing correlates the comm and data half-connections of a plugin
// into one logical pair.
//
// Ownership boundary:
// - pending pair slots keyed by correlation id
// - pairing deadline and eviction of incomplete pairs
// - exactly-once hand-off of a completed pair to a Dispatcher
//
// Streams are owned by the registry only until dispatch. After that the bound
// session owns them and the entry is kept purely as a lookup aid until the
// session releases it.
package pairing
