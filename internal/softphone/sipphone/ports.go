package sipphone

import (
	"fmt"
	"net"
	"sync"
)

// portPool hands out even RTP ports from a fixed range and binds them.
// A zero range lets the kernel pick.
type portPool struct {
	mu       sync.Mutex
	bindAddr string
	minPort  int
	maxPort  int
	next     int
	inUse    map[int]bool
}

func newPortPool(bindAddr string, minPort, maxPort int) *portPool {
	if minPort%2 != 0 {
		minPort++
	}
	return &portPool{
		bindAddr: bindAddr,
		minPort:  minPort,
		maxPort:  maxPort,
		next:     minPort,
		inUse:    make(map[int]bool),
	}
}

// listen binds the next free port in the range.
func (p *portPool) listen() (*net.UDPConn, error) {
	if p.minPort <= 0 || p.maxPort < p.minPort {
		return net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.bindAddr)})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	span := (p.maxPort-p.minPort)/2 + 1
	for range span {
		port := p.next
		p.next += 2
		if p.next > p.maxPort {
			p.next = p.minPort
		}
		if p.inUse[port] {
			continue
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.bindAddr), Port: port})
		if err != nil {
			continue
		}
		p.inUse[port] = true
		return conn, nil
	}
	return nil, fmt.Errorf("no RTP ports available in %d-%d", p.minPort, p.maxPort)
}

func (p *portPool) release(conn *net.UDPConn) {
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	_ = conn.Close()
	if !ok {
		return
	}
	p.mu.Lock()
	delete(p.inUse, addr.Port)
	p.mu.Unlock()
}

func (p *portPool) allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
