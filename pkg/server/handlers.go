package server

import (
	"context"

	"github.com/tutinoko2048/SocketBE-sub000/pkg/network"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
)

// handlerFor returns the built-in handler turning packets of id into signals.
func (s *Server) handlerFor(id protocol.ID) network.Handler {
	switch id {
	case protocol.IDPlayerMessage:
		return network.NewHandler(id, s.handlePlayerMessage)
	case protocol.IDPlayerTransform:
		return network.NewHandler(id, s.handlePlayerTransform)
	case protocol.IDBlockPlaced:
		return network.NewHandler(id, s.handleBlockPlaced)
	case protocol.IDBlockBroken:
		return network.NewHandler(id, s.handleBlockBroken)
	case protocol.IDItemUsed:
		return network.NewHandler(id, s.handleItemUsed)
	case protocol.IDMobKilled:
		return network.NewHandler(id, s.handleMobKilled)
	}
	panic("server: no built-in handler for " + string(id))
}

func (s *Server) handlePlayerMessage(_ context.Context, pk *protocol.PlayerMessage, conn *network.Connection, _ protocol.Header) error {
	w, err := s.worldOf(conn)
	if err != nil {
		return err
	}

	if pk.Type == protocol.MessageTitle {
		w.emit(&PlayerTitle{
			worldSignal: worldSignal{world: w},
			Player:      w.ResolvePlayer(pk.Receiver, false),
			Sender:      pk.Sender,
			Message:     pk.Message,
		})
		return nil
	}

	sender, ok := w.Player(pk.Sender)
	if !ok && pk.Type == protocol.MessageChat {
		sender = w.ResolvePlayer(pk.Sender, false)
	}

	w.emit(&PlayerChat{
		worldSignal: worldSignal{world: w},
		Sender:      sender,
		SenderName:  pk.Sender,
		Message:     pk.Message,
		Type:        pk.Type,
		Receiver:    pk.Receiver,
	})
	return nil
}

func (s *Server) handlePlayerTransform(_ context.Context, pk *protocol.PlayerTransform, conn *network.Connection, _ protocol.Header) error {
	w, err := s.worldOf(conn)
	if err != nil {
		return err
	}
	w.emit(&PlayerTransform{
		worldSignal: worldSignal{world: w},
		Player:      w.ResolvePlayer(pk.Player.Name, false),
		Actor:       pk.Player,
	})
	return nil
}

func (s *Server) handleBlockPlaced(_ context.Context, pk *protocol.BlockPlaced, conn *network.Connection, _ protocol.Header) error {
	w, err := s.worldOf(conn)
	if err != nil {
		return err
	}
	w.emit(&BlockPlace{worldSignal: worldSignal{world: w}, Player: w.ResolvePlayer(pk.Player.Name, false), Packet: pk})
	return nil
}

func (s *Server) handleBlockBroken(_ context.Context, pk *protocol.BlockBroken, conn *network.Connection, _ protocol.Header) error {
	w, err := s.worldOf(conn)
	if err != nil {
		return err
	}
	w.emit(&BlockBreak{worldSignal: worldSignal{world: w}, Player: w.ResolvePlayer(pk.Player.Name, false), Packet: pk})
	return nil
}

func (s *Server) handleItemUsed(_ context.Context, pk *protocol.ItemUsed, conn *network.Connection, _ protocol.Header) error {
	w, err := s.worldOf(conn)
	if err != nil {
		return err
	}
	w.emit(&ItemUse{worldSignal: worldSignal{world: w}, Player: w.ResolvePlayer(pk.Player.Name, false), Packet: pk})
	return nil
}

func (s *Server) handleMobKilled(_ context.Context, pk *protocol.MobKilled, conn *network.Connection, _ protocol.Header) error {
	w, err := s.worldOf(conn)
	if err != nil {
		return err
	}
	w.emit(&MobKill{worldSignal: worldSignal{world: w}, Player: w.ResolvePlayer(pk.Player.Name, false), Packet: pk})
	return nil
}
