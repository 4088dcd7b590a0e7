// Package keychain produces signatures over outgoing responses and command
// requests. Three signing forms are supported: identity (Ed25519), plain
// SHA-256 digest, and hash-chain link where the signature value carries the
// digest of the successor segment.
package keychain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"difs/ndn/name"
	"difs/ndn/packet"
)

// HashSize is the digest size used throughout the chain and the signer.
const HashSize = 32

var ErrUnknownIdentity = errors.New("unknown identity")
var ErrNoDefaultIdentity = errors.New("keychain has no default identity")

type identity struct {
	name name.Name
	key  ed25519.PrivateKey
}

// KeyChain holds named Ed25519 identities. It is stateless with respect to
// request ordering and safe to call from serving callbacks.
type KeyChain struct {
	identities map[string]*identity
	def        *identity
}

func New() *KeyChain {
	return &KeyChain{identities: make(map[string]*identity)}
}

// Load reads every "*.key" file under dir as a raw Ed25519 seed named by
// its base filename. The first identity loaded becomes the default.
func Load(dir string) (*KeyChain, error) {
	kc := New()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".key" {
			continue
		}
		seed, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("identity %s: bad key length %d", e.Name(), len(seed))
		}
		ident := e.Name()[:len(e.Name())-len(".key")]
		kc.AddIdentity(name.MustFromURI("/"+ident), ed25519.NewKeyFromSeed(seed))
	}
	return kc, nil
}

// Generate creates a fresh identity, writes its seed under dir and adds it
// to the keychain.
func (kc *KeyChain) Generate(dir, ident string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ident+".key"), priv.Seed(), 0600); err != nil {
		return err
	}
	kc.AddIdentity(name.MustFromURI("/"+ident), priv)
	return nil
}

func (kc *KeyChain) AddIdentity(n name.Name, key ed25519.PrivateKey) {
	id := &identity{name: n, key: key}
	kc.identities[n.String()] = id
	if kc.def == nil {
		kc.def = id
	}
}

func (kc *KeyChain) lookup(ident string) (*identity, error) {
	if ident == "" {
		if kc.def == nil {
			return nil, ErrNoDefaultIdentity
		}
		return kc.def, nil
	}
	n, err := name.FromURI(ident)
	if err != nil {
		return nil, err
	}
	id, ok := kc.identities[n.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, ident)
	}
	return id, nil
}

// SignIdentity signs the response with the named identity key, or the
// default identity when ident is empty.
func (kc *KeyChain) SignIdentity(d *packet.Response, ident string) error {
	id, err := kc.lookup(ident)
	if err != nil {
		return err
	}
	d.SignatureType = packet.SignatureIdentity
	d.KeyLocator = &id.name
	d.SignatureValue = ed25519.Sign(id.key, d.SignedPortion())
	return nil
}

// SignDigest signs the response with a bare SHA-256 digest.
func (kc *KeyChain) SignDigest(d *packet.Response) {
	sum := sha256.Sum256(d.SignedPortion())
	d.SignatureType = packet.SignatureDigest
	d.KeyLocator = nil
	d.SignatureValue = sum[:]
}

// SignChainLink signs the response as a hash-chain link. The signature
// value is the digest of the successor segment; continuity checking is the
// downstream validator's concern.
func (kc *KeyChain) SignChainLink(d *packet.Response, nextHash []byte) {
	d.SignatureType = packet.SignatureHashChain
	d.KeyLocator = nil
	d.SignatureValue = append([]byte(nil), nextHash...)
}

// MakeCommandRequest builds a signed command request: the command name is
// extended with a timestamp and a nonce component, and the whole name is
// signed with the command identity. MustBeFresh is left to the caller.
func (kc *KeyChain) MakeCommandRequest(cmd name.Name, ident string, lifetime time.Duration) (*packet.Request, error) {
	id, err := kc.lookup(ident)
	if err != nil {
		return nil, err
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	signed := cmd.Append(name.GenericComponent(ts[:]), name.GenericComponent(nonce[:]))
	sig := ed25519.Sign(id.key, []byte(signed.String()))
	signed = signed.Append(name.GenericComponent(sig))

	return &packet.Request{
		Name:     signed,
		Lifetime: lifetime,
	}, nil
}

// CommandName strips the timestamp, nonce and signature components that
// MakeCommandRequest appended, recovering the bare command name.
func CommandName(n name.Name) name.Name {
	if n.Size() < 3 {
		return n
	}
	return n.Prefix(n.Size() - 3)
}
