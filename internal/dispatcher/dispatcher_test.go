package dispatcher

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"net"
	"testing"

	"github.com/relaygrid/castguard-decoder/internal/flash"
	"github.com/relaygrid/castguard-decoder/internal/integrity"
	"github.com/relaygrid/castguard-decoder/internal/keystore"
	"github.com/relaygrid/castguard-decoder/internal/ladder"
	"github.com/relaygrid/castguard-decoder/internal/subscription"
	"github.com/relaygrid/castguard-decoder/internal/wire"
)

// fixedTRNG is a deterministic stand-in for the hardware TRNG, used so
// integrity.Check always passes without a real jittered delay.
type fixedTRNG struct{ n uint32 }

func (f *fixedTRNG) Uint32() uint32 { f.n++; return f.n }

// testKeys is a KeyIVSource/KeyStore stand-in with one fixed key/IV entry
// reused for every index, enough for tests that only exercise one channel.
type testKeys struct {
	key, iv [16]byte
}

func (k testKeys) KeyIV(index int) (key, iv [16]byte, err error) { return k.key, k.iv, nil }

// clientSend writes a request through the handshake a real encoder/TV would
// use: SendWithAck for every request, so a zero-payload request (List) still
// consumes the ACK the dispatcher sends after reading the header.
func clientSend(t *testing.T, conn *wire.Conn, opcode byte, payload []byte) {
	t.Helper()
	if err := conn.SendWithAck(opcode, payload); err != nil {
		t.Fatalf("clientSend: %v", err)
	}
}

// clientRecvRaw reads a fire-and-forget reply (used for 'G' diagnostics,
// which carry no ack handshake of their own) by reading exactly Length raw
// bytes after the header.
func clientRecvRaw(t *testing.T, conn *wire.Conn) (wire.Header, []byte) {
	t.Helper()
	hdr, err := conn.ReadHeader()
	if err != nil {
		t.Fatalf("clientRecvRaw ReadHeader: %v", err)
	}
	payload := make([]byte, hdr.Length)
	if len(payload) > 0 {
		if err := conn.ReadRaw(payload); err != nil {
			t.Fatalf("clientRecvRaw ReadRaw: %v", err)
		}
	}
	return hdr, payload
}

// clientRecv reads one reply header and payload, driving the receiver side
// of the ack handshake.
func clientRecv(t *testing.T, conn *wire.Conn) (wire.Header, []byte) {
	t.Helper()
	hdr, err := conn.ReadHeader()
	if err != nil {
		t.Fatalf("clientRecv ReadHeader: %v", err)
	}
	if err := conn.Ack(); err != nil {
		t.Fatalf("clientRecv Ack: %v", err)
	}
	payload, err := conn.ReadChunks(int(hdr.Length))
	if err != nil {
		t.Fatalf("clientRecv ReadChunks: %v", err)
	}
	return hdr, payload
}

func newTestDispatcher(t *testing.T, emergency *subscription.Record, keys testKeys, signKey *keystore.SigningKey) (*Dispatcher, *wire.Conn) {
	t.Helper()
	sim := flash.NewSim((subscription.NumSlots - 1) * flash.PageSize)
	page := flash.New(sim)
	table, err := subscription.NewChannelTable([]uint32{7})
	if err != nil {
		t.Fatalf("NewChannelTable: %v", err)
	}
	store := subscription.NewStore(page, 0, table)
	if err := store.LoadAll(emergency); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	serverSide, clientSide := net.Pipe()
	serverConn := wire.NewConn(serverSide)
	clientConn := wire.NewConn(clientSide)

	d := New(serverConn, store, table, keys, signKey, &fixedTRNG{}, integrity.NullSleeper{})
	return d, clientConn
}

func aesOFBEncrypt(t *testing.T, key, iv, plaintext [16]byte) [16]byte {
	t.Helper()
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	stream := cipher.NewOFB(block, iv[:])
	var out [16]byte
	stream.XORKeyStream(out[:], plaintext[:])
	return out
}

func TestDispatcherEmergencyDecode(t *testing.T) {
	keys := testKeys{
		key: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		iv:  [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
	}
	rawSeed := [16]byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	encryptedSeed := aesOFBEncrypt(t, keys.key, keys.iv, rawSeed)

	emergency := &subscription.Record{Channel: 0, Start: 0, End: 1 << 63}
	emergency.ForwardPos[0] = 1
	emergency.BackwardPos[0] = 1
	emergency.ForwardSeed[0] = encryptedSeed
	emergency.BackwardSeed[0] = encryptedSeed

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signKey := &keystore.SigningKey{}
	copy(signKey.Public[:], pub)

	d, client := newTestDispatcher(t, emergency, keys, signKey)

	timestamp := uint64(1)
	var zero [64]byte
	mask, err := ladder.Decode(emergency, 0, keys, zero, timestamp)
	if err != nil {
		t.Fatalf("ladder.Decode (mask derivation): %v", err)
	}

	var desiredPlaintext [64]byte
	for i := range desiredPlaintext {
		desiredPlaintext[i] = byte(i + 1)
	}
	var ciphertext [64]byte
	for i := range ciphertext {
		ciphertext[i] = mask[i] ^ desiredPlaintext[i]
	}

	digest := sha512.Sum512(desiredPlaintext[:])
	var chanCtx [4]byte
	binary.BigEndian.PutUint32(chanCtx[:], 0)
	sig, err := priv.Sign(nil, digest[:], &ed25519.Options{Hash: crypto.SHA512, Context: string(chanCtx[:])})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var payload [140]byte
	binary.BigEndian.PutUint32(payload[0:4], 0)
	binary.BigEndian.PutUint64(payload[4:12], timestamp)
	copy(payload[12:76], sig)
	copy(payload[76:140], ciphertext[:])

	errCh := make(chan error, 1)
	go func() { errCh <- d.ServeOne() }()

	clientSend(t, client, wire.OpDecode, payload[:])
	hdr, reply := clientRecv(t, client)

	if err := <-errCh; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if hdr.Opcode != wire.OpDecode {
		t.Fatalf("expected D reply opcode, got %c", hdr.Opcode)
	}
	if len(reply) != 64 {
		t.Fatalf("expected 64-byte plaintext reply, got %d bytes", len(reply))
	}
	for i := range desiredPlaintext {
		if reply[i] != desiredPlaintext[i] {
			t.Fatalf("plaintext mismatch at byte %d: got %x want %x", i, reply[i], desiredPlaintext[i])
		}
	}
}

func TestDispatcherDecodeRejectsEarlyTimestamp(t *testing.T) {
	keys := testKeys{}
	emergency := &subscription.Record{Channel: 0, Start: 100, End: 1 << 63}
	pub, _, _ := ed25519.GenerateKey(nil)
	signKey := &keystore.SigningKey{}
	copy(signKey.Public[:], pub)

	d, client := newTestDispatcher(t, emergency, keys, signKey)

	var payload [140]byte
	binary.BigEndian.PutUint32(payload[0:4], 0)
	binary.BigEndian.PutUint64(payload[4:12], 50) // before Start=100

	errCh := make(chan error, 1)
	go func() { errCh <- d.ServeOne() }()

	clientSend(t, client, wire.OpDecode, payload[:])
	hdr, reply := clientRecv(t, client)
	if err := <-errCh; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if hdr.Opcode != wire.OpDecode {
		t.Fatalf("expected D reply, got %c", hdr.Opcode)
	}
	if string(reply) != "fail" {
		t.Fatalf("expected \"fail\" policy reply, got %q", reply)
	}
}

func TestDispatcherDecodeRejectsUnknownChannel(t *testing.T) {
	keys := testKeys{}
	emergency := &subscription.Record{Channel: 0, Start: 0, End: 1 << 63}
	pub, _, _ := ed25519.GenerateKey(nil)
	signKey := &keystore.SigningKey{}
	copy(signKey.Public[:], pub)

	d, client := newTestDispatcher(t, emergency, keys, signKey)

	var payload [140]byte
	binary.BigEndian.PutUint32(payload[0:4], 99) // not configured, not emergency
	binary.BigEndian.PutUint64(payload[4:12], 1)

	errCh := make(chan error, 1)
	go func() { errCh <- d.ServeOne() }()

	clientSend(t, client, wire.OpDecode, payload[:])
	hdr, _ := clientRecv(t, client)
	if err := <-errCh; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if hdr.Opcode != wire.OpError {
		t.Fatalf("expected E reply for unknown channel, got %c", hdr.Opcode)
	}
}

func TestDispatcherList(t *testing.T) {
	keys := testKeys{}
	emergency := &subscription.Record{Channel: 0, Start: 0, End: 1 << 63}
	pub, _, _ := ed25519.GenerateKey(nil)
	signKey := &keystore.SigningKey{}
	copy(signKey.Public[:], pub)

	d, client := newTestDispatcher(t, emergency, keys, signKey)

	errCh := make(chan error, 1)
	go func() { errCh <- d.ServeOne() }()

	clientSend(t, client, wire.OpList, nil)
	hdr, reply := clientRecv(t, client)
	if err := <-errCh; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if hdr.Opcode != wire.OpList {
		t.Fatalf("expected L reply, got %c", hdr.Opcode)
	}
	count := binary.LittleEndian.Uint32(reply[0:4])
	if count != 0 {
		t.Fatalf("expected empty listing (emergency slot excluded), got count=%d", count)
	}
}

func TestDispatcherInstallThenList(t *testing.T) {
	keys := testKeys{
		key: [16]byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2},
		iv:  [16]byte{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3},
	}
	emergency := &subscription.Record{Channel: 0, Start: 0, End: 1 << 63}
	pub, _, _ := ed25519.GenerateKey(nil)
	signKey := &keystore.SigningKey{}
	copy(signKey.Public[:], pub)

	d, client := newTestDispatcher(t, emergency, keys, signKey)

	rec := &subscription.Record{Channel: 7, Start: 100, End: 200}
	raw := subscription.Encode(rec)

	errCh := make(chan error, 1)
	go func() { errCh <- d.ServeOne() }()
	clientSend(t, client, wire.OpInstall, raw)
	hdr, _ := clientRecv(t, client)
	if err := <-errCh; err != nil {
		t.Fatalf("ServeOne (install): %v", err)
	}
	if hdr.Opcode != wire.OpInstall {
		t.Fatalf("expected S reply, got %c", hdr.Opcode)
	}

	// A subsequent list must now report channel 7.
	errCh2 := make(chan error, 1)
	go func() { errCh2 <- d.ServeOne() }()
	clientSend(t, client, wire.OpList, nil)
	listHdr, listReply := clientRecv(t, client)
	if err := <-errCh2; err != nil {
		t.Fatalf("ServeOne (list): %v", err)
	}
	if listHdr.Opcode != wire.OpList {
		t.Fatalf("expected L reply, got %c", listHdr.Opcode)
	}
	count := binary.LittleEndian.Uint32(listReply[0:4])
	if count != 1 {
		t.Fatalf("expected 1 listed channel after install, got %d", count)
	}
	channel := binary.LittleEndian.Uint32(listReply[4:8])
	if channel != 7 {
		t.Fatalf("expected listed channel 7, got %d", channel)
	}
}
