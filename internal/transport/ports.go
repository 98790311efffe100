package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DefaultMaxPorts bounds successive port tries.
const DefaultMaxPorts = 200

// ListenFunc matches net.Listen and is replaced in tests.
type ListenFunc func(network, address string) (net.Listener, error)

// listenSuccessive binds the first free port of base, base+1, ... trying at
// most maxPorts ports. Only "address in use" moves on to the next port.
// base 0 asks the kernel for any free port.
func listenSuccessive(listen ListenFunc, host string, base, maxPorts int) (net.Listener, int, error) {
	if listen == nil {
		listen = net.Listen
	}
	if base == 0 {
		ln, err := listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if maxPorts <= 0 {
		maxPorts = DefaultMaxPorts
	}
	for i := 0; i < maxPorts; i++ {
		port := base + i
		if port > 65535 {
			break
		}
		ln, err := listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, fmt.Errorf("bind port %d: %w", port, err)
		}
		log.Debug().Int("port", port).Msg("transport.listenSuccessive port in use")
	}
	return nil, 0, fmt.Errorf("%w: %d ports from %d", ErrPortRangeExhausted, maxPorts, base)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
