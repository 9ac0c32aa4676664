package test

import (
	"bytes"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/meow-io/go-relay/ids"
	"github.com/meow-io/go-relay/session"
	"golang.org/x/crypto/hkdf"
)

// A stand-in group messaging engine. It mirrors the shape of a real RFC 9420
// stack closely enough to exercise session management: epochs advance through
// commits, messages carry (epoch, leaf, generation) identifiers, sessions only
// process messages from their own epoch, and exported secrets agree across
// members of the same epoch. The "ciphertext" is a deterministic keystream XOR,
// which is all the tests need.

type fakeKeyPackage struct {
	Owner []byte `cbor:"owner"`
	Nonce []byte `cbor:"nonce"`
}

type fakeGroupState struct {
	GroupID []byte   `cbor:"group_id"`
	Epoch   uint64   `cbor:"epoch"`
	Members [][]byte `cbor:"members"`
}

type fakeMessage struct {
	Epoch      uint64   `cbor:"epoch"`
	SenderLeaf uint32   `cbor:"sender_leaf"`
	Generation uint32   `cbor:"generation"`
	Commit     bool     `cbor:"commit"`
	Sender     []byte   `cbor:"sender"`
	Body       []byte   `cbor:"body,omitempty"`
	Members    [][]byte `cbor:"members,omitempty"`
}

type stagedCommit struct {
	epoch   uint64
	members [][]byte
}

type FakeEngine struct {
	clientID        ids.ID
	lock            sync.Mutex
	processErr      error
	externalJoinErr error
}

func NewFakeEngine(clientID ids.ID) *FakeEngine {
	return &FakeEngine{clientID: clientID}
}

// SetProcessErr makes every subsequent Process call fail with err. Pass nil to
// restore normal processing.
func (e *FakeEngine) SetProcessErr(err error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.processErr = err
}

// SetExternalJoinErr makes every subsequent ExternalJoin call fail with err, as
// when a group rejects the rejoin attempt.
func (e *FakeEngine) SetExternalJoinErr(err error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.externalJoinErr = err
}

func (e *FakeEngine) currentProcessErr() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.processErr
}

func (e *FakeEngine) CreateGroup(groupID ids.ID) (session.Session, error) {
	return &fakeSession{
		engine:  e,
		groupID: groupID,
		epoch:   1,
		members: [][]byte{e.clientID[:]},
	}, nil
}

func (e *FakeEngine) Join(welcome, ratchetTree []byte) (session.Session, error) {
	var state fakeGroupState
	if err := cbor.Unmarshal(welcome, &state); err != nil {
		return nil, fmt.Errorf("test: error decoding welcome: %w", err)
	}
	if len(state.GroupID) != 16 {
		return nil, fmt.Errorf("test: welcome group id is %d bytes", len(state.GroupID))
	}
	return &fakeSession{
		engine:  e,
		groupID: ids.IDFromBytes(state.GroupID),
		epoch:   state.Epoch,
		members: state.Members,
	}, nil
}

func (e *FakeEngine) ExternalJoin(groupInfo []byte) (session.Session, []byte, error) {
	e.lock.Lock()
	joinErr := e.externalJoinErr
	e.lock.Unlock()
	if joinErr != nil {
		return nil, nil, joinErr
	}
	var state fakeGroupState
	if err := cbor.Unmarshal(groupInfo, &state); err != nil {
		return nil, nil, fmt.Errorf("test: error decoding group info: %w", err)
	}
	if len(state.GroupID) != 16 {
		return nil, nil, fmt.Errorf("test: group info id is %d bytes", len(state.GroupID))
	}
	members := make([][]byte, 0, len(state.Members)+1)
	for _, m := range state.Members {
		// a rejoin replaces our old slot
		if bytes.Equal(m, e.clientID[:]) {
			continue
		}
		members = append(members, m)
	}
	members = append(members, e.clientID[:])
	// the joiner has no view of generations already spent in this epoch
	var genBytes [4]byte
	if _, err := io.ReadFull(crypto_rand.Reader, genBytes[:]); err != nil {
		return nil, nil, err
	}
	commit, err := cbor.Marshal(&fakeMessage{
		Epoch:      state.Epoch,
		SenderLeaf: uint32(len(members) - 1),
		Generation: binary.BigEndian.Uint32(genBytes[:]),
		Commit:     true,
		Sender:     e.clientID[:],
		Members:    members,
	})
	if err != nil {
		return nil, nil, err
	}
	return &fakeSession{
		engine:  e,
		groupID: ids.IDFromBytes(state.GroupID),
		epoch:   state.Epoch + 1,
		members: members,
	}, commit, nil
}

func (e *FakeEngine) NewKeyPackage() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return nil, err
	}
	return cbor.Marshal(&fakeKeyPackage{Owner: e.clientID[:], Nonce: nonce})
}

func (e *FakeEngine) ValidateKeyPackage(keyPackage []byte) error {
	var kp fakeKeyPackage
	if err := cbor.Unmarshal(keyPackage, &kp); err != nil {
		return fmt.Errorf("test: error decoding key package: %w", err)
	}
	if len(kp.Owner) != 16 {
		return fmt.Errorf("test: key package owner is %d bytes", len(kp.Owner))
	}
	if len(kp.Nonce) == 0 {
		return fmt.Errorf("test: key package nonce is empty")
	}
	return nil
}

type fakeSession struct {
	engine     *FakeEngine
	lock       sync.Mutex
	groupID    ids.ID
	epoch      uint64
	members    [][]byte
	generation uint32
	pending    [][]byte
}

func (s *fakeSession) GroupID() ids.ID {
	return s.groupID
}

func (s *fakeSession) Epoch() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.epoch
}

func (s *fakeSession) Members() [][]byte {
	s.lock.Lock()
	defer s.lock.Unlock()
	members := make([][]byte, len(s.members))
	copy(members, s.members)
	return members
}

func (s *fakeSession) ownLeaf() uint32 {
	for i, m := range s.members {
		if bytes.Equal(m, s.engine.clientID[:]) {
			return uint32(i)
		}
	}
	return 0
}

func (s *fakeSession) AddMember(keyPackage []byte) ([]byte, []byte, []byte, error) {
	var kp fakeKeyPackage
	if err := cbor.Unmarshal(keyPackage, &kp); err != nil {
		return nil, nil, nil, fmt.Errorf("test: error decoding key package: %w", err)
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	next := make([][]byte, len(s.members), len(s.members)+1)
	copy(next, s.members)
	next = append(next, kp.Owner)
	s.pending = next

	state := &fakeGroupState{GroupID: s.groupID[:], Epoch: s.epoch + 1, Members: next}
	welcome, err := cbor.Marshal(state)
	if err != nil {
		return nil, nil, nil, err
	}
	groupInfo, err := cbor.Marshal(state)
	if err != nil {
		return nil, nil, nil, err
	}
	commit, err := cbor.Marshal(&fakeMessage{
		Epoch:      s.epoch,
		SenderLeaf: s.ownLeaf(),
		Generation: s.generation,
		Commit:     true,
		Sender:     s.engine.clientID[:],
		Members:    next,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	s.generation++
	return welcome, commit, groupInfo, nil
}

func (s *fakeSession) RemoveMember(leafIndex uint32) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if int(leafIndex) >= len(s.members) {
		return nil, fmt.Errorf("test: no member at leaf %d", leafIndex)
	}
	next := make([][]byte, 0, len(s.members)-1)
	for i, m := range s.members {
		if uint32(i) == leafIndex {
			continue
		}
		next = append(next, m)
	}
	s.pending = next
	commit, err := cbor.Marshal(&fakeMessage{
		Epoch:      s.epoch,
		SenderLeaf: s.ownLeaf(),
		Generation: s.generation,
		Commit:     true,
		Sender:     s.engine.clientID[:],
		Members:    next,
	})
	if err != nil {
		return nil, err
	}
	s.generation++
	return commit, nil
}

func (s *fakeSession) Encrypt(plaintext []byte) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	body := make([]byte, len(plaintext))
	copy(body, plaintext)
	xorKeystream(body, s.groupID, s.epoch)
	msg, err := cbor.Marshal(&fakeMessage{
		Epoch:      s.epoch,
		SenderLeaf: s.ownLeaf(),
		Generation: s.generation,
		Sender:     s.engine.clientID[:],
		Body:       body,
	})
	if err != nil {
		return nil, err
	}
	s.generation++
	return msg, nil
}

func (s *fakeSession) Peek(protocolMessage []byte) (session.MessageInfo, error) {
	var msg fakeMessage
	if err := cbor.Unmarshal(protocolMessage, &msg); err != nil {
		return session.MessageInfo{}, fmt.Errorf("test: error decoding message: %w", err)
	}
	return session.MessageInfo{
		Epoch:           msg.Epoch,
		SenderLeafIndex: msg.SenderLeaf,
		Generation:      msg.Generation,
	}, nil
}

func (s *fakeSession) Process(protocolMessage []byte) (*session.Processed, error) {
	if err := s.engine.currentProcessErr(); err != nil {
		return nil, err
	}
	var msg fakeMessage
	if err := cbor.Unmarshal(protocolMessage, &msg); err != nil {
		return nil, fmt.Errorf("test: error decoding message: %w", err)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if msg.Epoch != s.epoch {
		return nil, fmt.Errorf("test: message from epoch %d, session at %d", msg.Epoch, s.epoch)
	}
	info := session.MessageInfo{
		Epoch:           msg.Epoch,
		SenderLeafIndex: msg.SenderLeaf,
		Generation:      msg.Generation,
	}
	if msg.Commit {
		return &session.Processed{
			Kind:     session.ProcessedCommit,
			Info:     info,
			SenderID: msg.Sender,
			Staged:   &stagedCommit{epoch: msg.Epoch + 1, members: msg.Members},
		}, nil
	}
	plain := make([]byte, len(msg.Body))
	copy(plain, msg.Body)
	xorKeystream(plain, s.groupID, msg.Epoch)
	return &session.Processed{
		Kind:        session.ProcessedApplication,
		Info:        info,
		SenderID:    msg.Sender,
		Application: plain,
	}, nil
}

func (s *fakeSession) MergePendingCommit() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pending == nil {
		return fmt.Errorf("test: no pending commit")
	}
	s.members = s.pending
	s.pending = nil
	s.epoch++
	s.generation = 0
	return nil
}

func (s *fakeSession) MergeStagedCommit(staged any) error {
	commit, ok := staged.(*stagedCommit)
	if !ok {
		return fmt.Errorf("test: unexpected staged commit type %T", staged)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.members = commit.members
	s.pending = nil
	s.epoch = commit.epoch
	s.generation = 0
	return nil
}

func (s *fakeSession) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	secret := epochSecret(s.groupID, s.epoch)
	out := make([]byte, length)
	r := hkdf.New(sha256.New, secret, nil, append([]byte(label), context...))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fakeSession) ExportRatchetTree() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return cbor.Marshal(s.members)
}

func (s *fakeSession) GroupInfo() ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return cbor.Marshal(&fakeGroupState{GroupID: s.groupID[:], Epoch: s.epoch, Members: s.members})
}

// epochSecret is what every member of a group at a given epoch agrees on.
func epochSecret(groupID ids.ID, epoch uint64) []byte {
	var buf [24]byte
	copy(buf[:16], groupID[:])
	binary.BigEndian.PutUint64(buf[16:], epoch)
	sum := sha256.Sum256(buf[:])
	return sum[:]
}

func xorKeystream(body []byte, groupID ids.ID, epoch uint64) {
	stream := hkdf.New(sha256.New, epochSecret(groupID, epoch), nil, []byte("body"))
	key := make([]byte, len(body))
	if _, err := io.ReadFull(stream, key); err != nil {
		panic(err)
	}
	for i := range body {
		body[i] ^= key[i]
	}
}
