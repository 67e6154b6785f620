package network

import (
	"net"

	"github.com/pkg/errors"
)

// NormalizeAddresses returns a new slice with every peer address in addrs
// normalized with the given default port, and all duplicates removed.
func NormalizeAddresses(addrs []string, defaultPort string) ([]string, error) {
	result := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		normalized, err := NormalizeAddress(addr, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result, nil
}

// NormalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func NormalizeAddress(addr, defaultPort string) (string, error) {
	_, _, err := net.SplitHostPort(addr)
	if err == nil {
		return addr, nil
	}

	// net.SplitHostPort also fails for reasons other than a missing port,
	// so the result is checked again.
	addrWithPort := net.JoinHostPort(addr, defaultPort)
	_, _, err = net.SplitHostPort(addrWithPort)
	if err != nil {
		return "", errors.Wrapf(err, "invalid address %q", addr)
	}
	return addrWithPort, nil
}
