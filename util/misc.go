package util

import (
	"crypto/md5" //nolint:gosec // used to make stable dir names, not for security
	"encoding/hex"
	"errors"
	"net"
)

// MD5ToHexdigest computes the md5 hexdigest of the given string
func MD5ToHexdigest(value string) string {
	sum := md5.Sum([]byte(value)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// CopySlice makes a copy of the given byte slice
func CopySlice(src []byte) []byte {
	dup := make([]byte, len(src))
	copy(dup, src)
	return dup
}

// IsNetworkClosed checks whether the given error indicates a closed connection
func IsNetworkClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
