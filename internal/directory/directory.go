// Package directory tracks who is connected: server assigned identities, the
// peer handle behind each of them and their admin flag.
package directory

import (
	"errors"
	"net"
	"slices"
	"sync"

	"github.com/blukai/bettertogether/internal/transport"
	"github.com/google/uuid"
)

// maxIdentityDraws bounds the retry loop in NewIdentity. A collision among
// random v4 GUIDs is astronomically unlikely; this only guards a broken
// random source.
//
// NOTE: uniqueness is checked against the live directory, which is sound
// because identities are allocated and registered on the single poll
// goroutine. if peers are ever finalized concurrently the draw and Add must
// happen under one lock.
const maxIdentityDraws = 16

var ErrIdentityExhausted = errors.New("could not draw a unique identity")

type Player struct {
	ID         string
	Peer       transport.Peer
	Admin      bool
	RemoteAddr string
}

// Host returns the ip portion of the player's remote address.
func (p *Player) Host() string {
	return HostOf(p.RemoteAddr)
}

// HostOf strips the port from an "ip:port" address.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type Directory struct {
	mu     sync.RWMutex
	byID   map[string]*Player
	byPeer map[transport.Peer]*Player
	// join order, SelfConnected lists identities in it
	order []string

	newID func() string
}

func New() *Directory {
	return &Directory{
		byID:   make(map[string]*Player),
		byPeer: make(map[transport.Peer]*Player),
		newID:  uuid.NewString,
	}
}

// NewIdentity draws random GUIDs until one isn't taken by a live player.
func (d *Directory) NewIdentity() (string, error) {
	for i := 0; i < maxIdentityDraws; i++ {
		id := d.newID()
		if !d.Has(id) {
			return id, nil
		}
	}
	return "", ErrIdentityExhausted
}

// Add registers p. It replaces nothing: an identity or peer that is already
// present is reported with false.
func (d *Directory) Add(p *Player) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[p.ID]; ok {
		return false
	}
	if _, ok := d.byPeer[p.Peer]; ok {
		return false
	}
	d.byID[p.ID] = p
	d.byPeer[p.Peer] = p
	d.order = append(d.order, p.ID)
	return true
}

// RemoveByPeer unregisters the player behind peer.
func (d *Directory) RemoveByPeer(peer transport.Peer) (*Player, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byPeer[peer]
	if !ok {
		return nil, false
	}
	delete(d.byPeer, peer)
	delete(d.byID, p.ID)
	d.order = slices.DeleteFunc(d.order, func(id string) bool { return id == p.ID })
	return p, true
}

func (d *Directory) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byID[id]
	return ok
}

func (d *Directory) ByID(id string) (*Player, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	return p, ok
}

func (d *Directory) ByPeer(peer transport.Peer) (*Player, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byPeer[peer]
	return p, ok
}

// IDOf returns the identity behind peer or an empty string.
func (d *Directory) IDOf(peer transport.Peer) string {
	if p, ok := d.ByPeer(peer); ok {
		return p.ID
	}
	return ""
}

// IDs returns the live identities in join order.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.order)
}

// Players returns the live players in join order.
func (d *Directory) Players() []*Player {
	d.mu.RLock()
	defer d.mu.RUnlock()
	players := make([]*Player, 0, len(d.order))
	for _, id := range d.order {
		players = append(players, d.byID[id])
	}
	return players
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

func (d *Directory) IsAdmin(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byID[id]
	return ok && p.Admin
}

// SetAdmin flips the admin flag of a live player.
func (d *Directory) SetAdmin(id string, admin bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return false
	}
	p.Admin = admin
	return true
}

func (d *Directory) Admins() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var admins []string
	for _, id := range d.order {
		if d.byID[id].Admin {
			admins = append(admins, id)
		}
	}
	return admins
}

func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID = make(map[string]*Player)
	d.byPeer = make(map[transport.Peer]*Player)
	d.order = nil
}
