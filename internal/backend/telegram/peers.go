package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gotd/td/tg"
)

// Native conversation ids encode the peer class so intents can be
// routed back without a dialog lookup: "user:123", "chat:456",
// "channel:789".
const (
	peerUser    = "user"
	peerChat    = "chat"
	peerChannel = "channel"
)

// peerStore caches access hashes observed in dialog lists and update
// entities. Telegram requires the hash to address users and channels;
// a peer never observed cannot be messaged.
type peerStore struct {
	mu       sync.RWMutex
	users    map[int64]int64 // user id -> access hash
	channels map[int64]int64 // channel id -> access hash
}

func newPeerStore() *peerStore {
	return &peerStore{
		users:    make(map[int64]int64),
		channels: make(map[int64]int64),
	}
}

func (p *peerStore) observeUser(u *tg.User) {
	if u == nil {
		return
	}
	p.mu.Lock()
	p.users[u.ID] = u.AccessHash
	p.mu.Unlock()
}

func (p *peerStore) observeChat(c tg.ChatClass) {
	ch, ok := c.(*tg.Channel)
	if !ok {
		return
	}
	p.mu.Lock()
	p.channels[ch.ID] = ch.AccessHash
	p.mu.Unlock()
}

// observeEntities records every peer attached to an update batch.
func (p *peerStore) observeEntities(e tg.Entities) {
	for _, u := range e.Users {
		p.observeUser(u)
	}
	for _, c := range e.Channels {
		p.mu.Lock()
		p.channels[c.ID] = c.AccessHash
		p.mu.Unlock()
	}
}

// nativeID renders a peer into the conversation-native form.
func nativeID(peer tg.PeerClass) string {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return peerUser + ":" + strconv.FormatInt(p.UserID, 10)
	case *tg.PeerChat:
		return peerChat + ":" + strconv.FormatInt(p.ChatID, 10)
	case *tg.PeerChannel:
		return peerChannel + ":" + strconv.FormatInt(p.ChannelID, 10)
	}
	return ""
}

// inputPeer resolves a native conversation id back into an addressable
// peer, using cached access hashes.
func (p *peerStore) inputPeer(native string) (tg.InputPeerClass, error) {
	kind, rest, ok := strings.Cut(native, ":")
	if !ok {
		return nil, fmt.Errorf("telegram: malformed peer id %q", native)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: malformed peer id %q", native)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	switch kind {
	case peerUser:
		hash, ok := p.users[id]
		if !ok {
			return nil, fmt.Errorf("telegram: unknown user %d", id)
		}
		return &tg.InputPeerUser{UserID: id, AccessHash: hash}, nil
	case peerChat:
		return &tg.InputPeerChat{ChatID: id}, nil
	case peerChannel:
		hash, ok := p.channels[id]
		if !ok {
			return nil, fmt.Errorf("telegram: unknown channel %d", id)
		}
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, nil
	}
	return nil, fmt.Errorf("telegram: unknown peer kind %q", kind)
}
