// Package types contains generic containers shared across the sip packages.
package types
