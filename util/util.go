// Package util contains misc internal utilities.
package util

import (
	"net"
	"time"
	"unicode"
)

// Clamp limits x to the closed interval [low, high]
func Clamp(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
// with nanosecond resolution
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}

// AllElementsNumbers returns true if every rune in s is a digit or a decimal point.
// e.g., "25.5" => true, "25ms" => false
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' {
			return false
		}
	}
	return true
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
