// Package setup prepares and inspects the host a testbed runs on: the bridge
// the VM backend attaches guests to, its NAT rules, the usable CPU cores and
// the prerequisites of each backend.
//
// The package mostly wraps one-shot host scripts, which is why it keeps a
// package logger instead of receiving one per call.
package setup
