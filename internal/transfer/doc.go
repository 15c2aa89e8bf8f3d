// Package transfer provides a byte-capped buffer sink for bounded downloads.
package transfer
