// Package id provides unique identifier generation for the driver.
//
// Two formats cover the driver's needs:
//
//   - UUID: standard UUID v4 for correlation IDs on outbound envelopes
//   - Short: 16-character hex IDs for user-facing route identifiers
//
// Short uses crypto/rand for secure randomness.
package id
