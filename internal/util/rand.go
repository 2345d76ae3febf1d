package util

import (
	"crypto/rand"
	"encoding/binary"
)

const charset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func randStr(n int, cs string) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = cs[b%byte(len(cs))]
	}
	return string(buf)
}

// RandStringLC returns n random lower case alphanumeric characters.
func RandStringLC(n int) string {
	return randStr(n, charset[:36])
}

// RandUint32 returns a random number in [0, 1<<31).
func RandUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
}
