package auth

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/1Password/srp"
	"github.com/google/uuid"
)

// Handshake message types. The same exchange runs over HTTP login
// endpoints and over a fresh relay connection before any application
// frame.
const (
	MsgHello        = "auth_hello"
	MsgChallenge    = "auth_challenge"
	MsgClientPublic = "auth_client_public"
	MsgServerProof  = "auth_server_proof"
	MsgClientProof  = "auth_client_proof"
	MsgResult       = "auth_result"
)

// ErrHandshakeFailed is the only failure surfaced to the peer. The
// specific cause (unknown user, bad proof, out-of-order message) stays
// server-side.
var ErrHandshakeFailed = errors.New("authentication failed")

// Message is one handshake exchange on the wire.
type Message struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Salt     []byte `json:"salt,omitempty"`
	Public   []byte `json:"public,omitempty"`
	Proof    []byte `json:"proof,omitempty"`
	OK       bool   `json:"ok,omitempty"`
}

func group() *srp.Group {
	return srp.KnownGroups[srp.RFC5054Group3072]
}

// ServerHandshake verifies a peer against the stored verifier. The
// server proves knowledge of the session key first; the client proof
// comes back only after the client has checked ours.
type ServerHandshake struct {
	state State

	srv  *srp.SRP
	key  *[32]byte
	done bool
}

// NewServerHandshake starts one exchange against the current auth state.
func NewServerHandshake(store *Store) *ServerHandshake {
	return &ServerHandshake{state: store.Snapshot()}
}

// Done reports whether the proof exchange completed successfully.
func (h *ServerHandshake) Done() bool { return h.done }

// Key returns the derived envelope key after a successful handshake.
func (h *ServerHandshake) Key() *[32]byte { return h.key }

// Handle advances the state machine with one peer message.
func (h *ServerHandshake) Handle(msg *Message) (*Message, error) {
	switch msg.Type {
	case MsgHello:
		if !h.state.Enabled || h.srv != nil {
			return nil, ErrHandshakeFailed
		}
		if msg.Username != h.state.Username {
			return nil, ErrHandshakeFailed
		}
		v := new(big.Int).SetBytes(h.state.Verifier)
		h.srv = srp.NewSRPServer(group(), v, nil)
		return &Message{
			Type:   MsgChallenge,
			Salt:   h.state.Salt,
			Public: h.srv.EphemeralPublic().Bytes(),
		}, nil

	case MsgClientPublic:
		if h.srv == nil || h.done {
			return nil, ErrHandshakeFailed
		}
		a := new(big.Int).SetBytes(msg.Public)
		if err := h.srv.SetOthersPublic(a); err != nil {
			return nil, ErrHandshakeFailed
		}
		if _, err := h.srv.Key(); err != nil {
			return nil, ErrHandshakeFailed
		}
		proof, err := h.srv.M(h.state.Salt, h.state.Username)
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		return &Message{Type: MsgServerProof, Proof: proof}, nil

	case MsgClientProof:
		if h.srv == nil || h.done {
			return nil, ErrHandshakeFailed
		}
		if !h.srv.GoodClientProof(msg.Proof) {
			return nil, ErrHandshakeFailed
		}
		sessionKey, err := h.srv.Key()
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		key, err := DeriveKey(sessionKey)
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		h.key = key
		h.done = true
		return &Message{Type: MsgResult, OK: true}, nil

	default:
		return nil, ErrHandshakeFailed
	}
}

// ClientHandshake is our side when dialing out through the relay, and
// the test harness for the server machine.
type ClientHandshake struct {
	username string
	password string

	cl   *srp.SRP
	salt []byte
	key  *[32]byte
	done bool
}

// NewClientHandshake prepares a client exchange.
func NewClientHandshake(username, password string) *ClientHandshake {
	if username == "" {
		username = DefaultUsername
	}
	return &ClientHandshake{username: username, password: password}
}

// Hello opens the exchange.
func (h *ClientHandshake) Hello() *Message {
	return &Message{Type: MsgHello, Username: h.username}
}

// Done reports whether the exchange completed successfully.
func (h *ClientHandshake) Done() bool { return h.done }

// Key returns the derived envelope key after a successful handshake.
func (h *ClientHandshake) Key() *[32]byte { return h.key }

// Handle advances the state machine with one server message. A nil
// reply with nil error means the handshake is complete.
func (h *ClientHandshake) Handle(msg *Message) (*Message, error) {
	switch msg.Type {
	case MsgChallenge:
		if h.cl != nil {
			return nil, ErrHandshakeFailed
		}
		h.salt = msg.Salt
		x := srp.KDFRFC5054(h.salt, h.username, h.password)
		h.cl = srp.NewSRPClient(group(), x, nil)
		b := new(big.Int).SetBytes(msg.Public)
		if err := h.cl.SetOthersPublic(b); err != nil {
			return nil, ErrHandshakeFailed
		}
		return &Message{Type: MsgClientPublic, Public: h.cl.EphemeralPublic().Bytes()}, nil

	case MsgServerProof:
		if h.cl == nil || h.done {
			return nil, ErrHandshakeFailed
		}
		if _, err := h.cl.Key(); err != nil {
			return nil, ErrHandshakeFailed
		}
		if !h.cl.GoodServerProof(h.salt, h.username, msg.Proof) {
			return nil, ErrHandshakeFailed
		}
		proof, err := h.cl.ClientProof()
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		return &Message{Type: MsgClientProof, Proof: proof}, nil

	case MsgResult:
		if h.cl == nil || !msg.OK {
			return nil, ErrHandshakeFailed
		}
		sessionKey, err := h.cl.Key()
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		key, err := DeriveKey(sessionKey)
		if err != nil {
			return nil, ErrHandshakeFailed
		}
		h.key = key
		h.done = true
		return nil, nil

	default:
		return nil, ErrHandshakeFailed
	}
}

// loginTTL bounds how long a partial HTTP login may dangle.
const loginTTL = 2 * time.Minute

// LoginBroker tracks in-flight HTTP logins, each a ServerHandshake
// addressed by an opaque login id across requests.
type LoginBroker struct {
	store *Store

	mu      sync.Mutex
	pending map[string]*pendingLogin
}

type pendingLogin struct {
	hs      *ServerHandshake
	created time.Time
}

// NewLoginBroker creates a broker over the auth store.
func NewLoginBroker(store *Store) *LoginBroker {
	return &LoginBroker{store: store, pending: make(map[string]*pendingLogin)}
}

// Start opens a login exchange and returns its id with the challenge.
func (b *LoginBroker) Start(username string) (string, *Message, error) {
	hs := NewServerHandshake(b.store)
	reply, err := hs.Handle(&Message{Type: MsgHello, Username: username})
	if err != nil {
		return "", nil, err
	}

	id := uuid.New().String()
	b.mu.Lock()
	b.expireLocked()
	b.pending[id] = &pendingLogin{hs: hs, created: time.Now()}
	b.mu.Unlock()
	return id, reply, nil
}

// Step advances a pending login. done is true once the client proof
// verified; the entry is then removed.
func (b *LoginBroker) Step(id string, msg *Message) (*Message, bool, error) {
	b.mu.Lock()
	b.expireLocked()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return nil, false, ErrHandshakeFailed
	}

	reply, err := p.hs.Handle(msg)
	if err != nil {
		b.drop(id)
		return nil, false, err
	}
	if p.hs.Done() {
		b.drop(id)
		return reply, true, nil
	}
	return reply, false, nil
}

func (b *LoginBroker) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *LoginBroker) expireLocked() {
	cutoff := time.Now().Add(-loginTTL)
	for id, p := range b.pending {
		if p.created.Before(cutoff) {
			delete(b.pending, id)
		}
	}
}
