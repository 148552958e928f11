// Package sas derives shared access signature tokens for hub authentication.
//
// This package manages:
//   - Deterministic HMAC-SHA256 credential derivation from the device key
//   - Expiry tracking with a renewal margin
//   - Regeneration on demand for reconnects
//
// # Determinism
//
// The current timestamp is injected as a function, not read from the system
// clock. The same (key, resource URI, expiry) inputs always produce the same
// signature, which makes the token lifecycle unit-testable without a live
// broker or a real clock.
//
// # Usage
//
//	signer, err := sas.New(sas.Config{
//	    HubID:    cfg.Hub.HubID,
//	    DeviceID: cfg.Hub.DeviceID,
//	    Key:      cfg.Hub.Key(),
//	    Lifetime: cfg.Hub.TokenLifetime(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	password := signer.Token()
package sas
