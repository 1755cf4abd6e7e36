package peer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/kvashee/peerengine/pieceset"
	"github.com/kvashee/peerengine/wire"
)

// mockWire lets these tests assert exactly which outbound wire calls a
// session makes without standing up a net.Pipe peer on the other end.
type mockWire struct {
	mock.Mock
}

func (m *mockWire) SendHandshake(infoHash, peerID [20]byte, fastSupported, extendedSupported bool) error {
	return m.Called(infoHash, peerID, fastSupported, extendedSupported).Error(0)
}
func (m *mockWire) ReadHandshake() (wire.Handshake, error) {
	args := m.Called()
	return args.Get(0).(wire.Handshake), args.Error(1)
}
func (m *mockWire) SendKeepAlive() error        { return m.Called().Error(0) }
func (m *mockWire) SendChoke() error            { return m.Called().Error(0) }
func (m *mockWire) SendUnchoke() error          { return m.Called().Error(0) }
func (m *mockWire) SendInterested() error       { return m.Called().Error(0) }
func (m *mockWire) SendNotInterested() error    { return m.Called().Error(0) }
func (m *mockWire) SendHave(piece int) error    { return m.Called(piece).Error(0) }
func (m *mockWire) SendBitfield(b []byte) error { return m.Called(b).Error(0) }
func (m *mockWire) SendRequest(piece int, offset, length int64) error {
	return m.Called(piece, offset, length).Error(0)
}
func (m *mockWire) SendPiece(piece int, offset int64, data []byte) error {
	return m.Called(piece, offset, data).Error(0)
}
func (m *mockWire) SendCancel(piece int, offset, length int64) error {
	return m.Called(piece, offset, length).Error(0)
}
func (m *mockWire) SendSuggest(piece int) error { return m.Called(piece).Error(0) }
func (m *mockWire) SendHaveAll() error          { return m.Called().Error(0) }
func (m *mockWire) SendHaveNone() error         { return m.Called().Error(0) }
func (m *mockWire) SendReject(piece int, offset, length int64) error {
	return m.Called(piece, offset, length).Error(0)
}
func (m *mockWire) SendAllowedFast(piece int) error { return m.Called(piece).Error(0) }
func (m *mockWire) SendExtendedHandshake() error { return m.Called().Error(0) }
func (m *mockWire) ReadMessage() (wire.Message, error) {
	args := m.Called()
	return args.Get(0).(wire.Message), args.Error(1)
}
func (m *mockWire) Close() error { return m.Called().Error(0) }

func TestSetChokingSendsChokeMessage(t *testing.T) {
	mw := &mockWire{}
	mw.On("SendChoke").Return(nil)

	bf := pieceset.New(4)
	s := New("peerA", mw, [20]byte{}, [20]byte{}, Deps{
		NumPieces:   4,
		OurBitfield: func() *pieceset.Set { return bf },
		Registry:    &fakeRegistry{},
		Store:       &fakeStore{},
		Coordinator: &fakeCoordinator{},
		Choke:       &fakeChoke{},
		Registrar:   &fakeRegistrar{},
		Log:         zerolog.Nop(),
	})
	s.localChoking = false

	assert.NoError(t, s.SetChoking(true))
	mw.AssertCalled(t, "SendChoke")
	assert.True(t, s.localChoking)
}

func TestSetChokingUnchokeSendsUnchokeMessage(t *testing.T) {
	mw := &mockWire{}
	mw.On("SendUnchoke").Return(nil)

	bf := pieceset.New(4)
	s := New("peerA", mw, [20]byte{}, [20]byte{}, Deps{
		NumPieces:   4,
		OurBitfield: func() *pieceset.Set { return bf },
		Registry:    &fakeRegistry{},
		Store:       &fakeStore{},
		Coordinator: &fakeCoordinator{},
		Choke:       &fakeChoke{},
		Registrar:   &fakeRegistrar{},
		Log:         zerolog.Nop(),
	})
	s.localChoking = true

	assert.NoError(t, s.SetChoking(false))
	mw.AssertCalled(t, "SendUnchoke")
	assert.False(t, s.localChoking)
}

func TestBroadcastHaveSendsHaveMessage(t *testing.T) {
	mw := &mockWire{}
	mw.On("SendHave", 2).Return(nil)

	bf := pieceset.New(4)
	s := New("peerA", mw, [20]byte{}, [20]byte{}, Deps{
		NumPieces:   4,
		OurBitfield: func() *pieceset.Set { return bf },
		Registry:    &fakeRegistry{},
		Store:       &fakeStore{},
		Coordinator: &fakeCoordinator{},
		Choke:       &fakeChoke{},
		Registrar:   &fakeRegistrar{},
		Log:         zerolog.Nop(),
	})
	s.piecesKnown = true
	s.peerPieces = pieceset.New(4)

	assert.NoError(t, s.BroadcastHave(2))
	mw.AssertExpectations(t)
}
