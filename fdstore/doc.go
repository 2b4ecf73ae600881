// Package fdstore keeps file descriptors alive across a service restart using
// the systemd file descriptor store.
//
// A process pushes a descriptor with Store, finds it again after restart with
// Inherited, and releases it with Remove once the state it carries is no longer
// needed. The message store file is usually an anonymous memfd created with
// CreateMemfd, so it lives only as long as some process or systemd holds it.
package fdstore
