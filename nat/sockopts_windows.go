//go:build windows

package nat

import "syscall"

// Windows has no SO_REUSEPORT; SO_REUSEADDR alone already permits rebinding a
// port in TIME_WAIT, which is all the simultaneous-open path needs there.
func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
