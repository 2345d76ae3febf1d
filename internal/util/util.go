// Package util provides small string and random helpers shared by the SIP packages.
package util
