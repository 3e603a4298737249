package discovery

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWindow is how long Discover listens for replies.
const DefaultWindow = 250 * time.Millisecond

// Room is a hosted room that answered a query.
type Room struct {
	Name    string
	Address string
}

// BroadcastAddresses lists the IPv4 broadcast address of every interface that has one.
func BroadcastAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("discovery: list interfaces: %w", err)
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if bcast := broadcastOf(ipNet); bcast != nil {
				out = append(out, bcast)
			}
		}
	}
	return out, nil
}

func broadcastOf(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return nil
	}
	bcast := make(net.IP, net.IPv4len)
	for i := range ip {
		bcast[i] = ip[i] | ^n.Mask[i]
	}
	return bcast
}

// Discover broadcasts a query on every local subnet and collects the answers that arrive within window.
func Discover(port int, window time.Duration, log zerolog.Logger) ([]Room, error) {
	addrs, err := BroadcastAddresses()
	if err != nil {
		return nil, err
	}
	targets := make([]*net.UDPAddr, 0, len(addrs))
	for _, ip := range addrs {
		targets = append(targets, &net.UDPAddr{IP: ip, Port: port})
	}
	return Scan(targets, window, log)
}

// Scan sends the query to each target and gathers replies until window elapses.
// Silence is not an error; UDP gives no delivery guarantee.
func Scan(targets []*net.UDPAddr, window time.Duration, log zerolog.Logger) ([]Room, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	for _, target := range targets {
		if _, err := conn.WriteToUDP([]byte(Query), target); err != nil {
			log.Debug().Err(err).Str("target", target.String()).Msg("query not sent")
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		return nil, fmt.Errorf("discovery: set deadline: %w", err)
	}

	var rooms []Room
	seen := make(map[Room]bool)
	buf := make([]byte, 4096)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return rooms, nil
			}
			return rooms, fmt.Errorf("discovery: read: %w", err)
		}
		reply := string(buf[:n])
		if !strings.HasPrefix(reply, ResponsePrefix) {
			continue
		}
		room := Room{Name: strings.TrimPrefix(reply, ResponsePrefix), Address: from.IP.String()}
		if seen[room] {
			continue
		}
		seen[room] = true
		rooms = append(rooms, room)
	}
}
