package server

import (
	"slices"

	"github.com/tutinoko2048/SocketBE-sub000/pkg/event"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
)

type SignalName string

const (
	SignalWorldAdd        SignalName = "WorldAdd"
	SignalWorldRemove     SignalName = "WorldRemove"
	SignalWorldInitialize SignalName = "WorldInitialize"
	SignalPlayerJoin      SignalName = "PlayerJoin"
	SignalPlayerLeave     SignalName = "PlayerLeave"
	SignalPlayerChat      SignalName = "PlayerChat"
	SignalPlayerTitle     SignalName = "PlayerTitle"
	SignalPlayerTransform SignalName = "PlayerTransform"
	SignalBlockPlace      SignalName = "BlockPlace"
	SignalBlockBreak      SignalName = "BlockBreak"
	SignalItemUse         SignalName = "ItemUse"
	SignalMobKill         SignalName = "MobKill"
)

// signalPackets maps signals to the event packet they are built from.
var signalPackets = map[SignalName]protocol.ID{
	SignalPlayerChat:      protocol.IDPlayerMessage,
	SignalPlayerTitle:     protocol.IDPlayerMessage,
	SignalPlayerTransform: protocol.IDPlayerTransform,
	SignalBlockPlace:      protocol.IDBlockPlaced,
	SignalBlockBreak:      protocol.IDBlockBroken,
	SignalItemUse:         protocol.IDItemUsed,
	SignalMobKill:         protocol.IDMobKilled,
}

func signalPacketIDs() []protocol.ID {
	ids := make([]protocol.ID, 0, len(signalPackets))
	for _, id := range signalPackets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// A Signal is an application level event raised by a World. Every signal
// can be canceled by a listener.
type Signal interface {
	event.Cancelable
	Signal() SignalName
	World() *World
}

type worldSignal struct {
	event.Cancellation
	world *World
}

func (s *worldSignal) World() *World {
	return s.world
}

type WorldAdd struct{ worldSignal }

type WorldRemove struct{ worldSignal }

// WorldInitialize is raised once the local player of a world is known.
type WorldInitialize struct {
	worldSignal
	LocalPlayer *Player
}

type PlayerJoin struct {
	worldSignal
	Player *Player
}

type PlayerLeave struct {
	worldSignal
	Player *Player
}

// PlayerChat is raised for chat, say, tell and me messages. Sender is nil
// when the message was not sent by a player, e.g. by a command block.
type PlayerChat struct {
	worldSignal
	Sender     *Player
	SenderName string
	Message    string
	Type       string
	Receiver   string
}

type PlayerTitle struct {
	worldSignal
	Player  *Player
	Sender  string
	Message string
}

type PlayerTransform struct {
	worldSignal
	Player *Player
	Actor  protocol.ActorInfo
}

type BlockPlace struct {
	worldSignal
	Player *Player
	Packet *protocol.BlockPlaced
}

type BlockBreak struct {
	worldSignal
	Player *Player
	Packet *protocol.BlockBroken
}

type ItemUse struct {
	worldSignal
	Player *Player
	Packet *protocol.ItemUsed
}

type MobKill struct {
	worldSignal
	Player *Player
	Packet *protocol.MobKilled
}

func (*WorldAdd) Signal() SignalName        { return SignalWorldAdd }
func (*WorldRemove) Signal() SignalName     { return SignalWorldRemove }
func (*WorldInitialize) Signal() SignalName { return SignalWorldInitialize }
func (*PlayerJoin) Signal() SignalName      { return SignalPlayerJoin }
func (*PlayerLeave) Signal() SignalName     { return SignalPlayerLeave }
func (*PlayerChat) Signal() SignalName      { return SignalPlayerChat }
func (*PlayerTitle) Signal() SignalName     { return SignalPlayerTitle }
func (*PlayerTransform) Signal() SignalName { return SignalPlayerTransform }
func (*BlockPlace) Signal() SignalName      { return SignalBlockPlace }
func (*BlockBreak) Signal() SignalName      { return SignalBlockBreak }
func (*ItemUse) Signal() SignalName         { return SignalItemUse }
func (*MobKill) Signal() SignalName         { return SignalMobKill }

// A Source raises signals. Both *Server and *World are sources; a world
// forwards its signals to the server unless a world listener canceled them.
type Source interface {
	signals() *event.Emitter[Signal]
	listen(name SignalName) (release func())
}

// On registers fn for every signal of type T raised by src. Listening to a
// signal built from an event packet subscribes the worlds src covers until
// off is called.
//
//	server.On(srv, func(s *server.PlayerJoin) { ... })
func On[T Signal](src Source, fn func(sig T)) (off func()) {
	var zero T
	name := zero.Signal()

	release := src.listen(name)
	remove := src.signals().On(string(name), func(sig Signal) {
		if typed, ok := sig.(T); ok {
			fn(typed)
		}
	})
	return func() {
		remove()
		release()
	}
}

// Once is like On but fn runs for the next signal only.
func Once[T Signal](src Source, fn func(sig T)) (off func()) {
	var zero T
	name := zero.Signal()

	release := src.listen(name)
	remove := src.signals().Once(string(name), func(sig Signal) {
		defer release()
		if typed, ok := sig.(T); ok {
			fn(typed)
		}
	})
	return func() {
		remove()
		release()
	}
}
