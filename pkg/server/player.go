package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Permission levels reported by listd.
const (
	PermissionVisitor  = 0
	PermissionMember   = 1
	PermissionOperator = 2
	PermissionCustom   = 3
)

// The Player struct is a member of a world, identified by its raw name.
// Identity fields stay empty until Load succeeds.
type Player struct {
	world *World
	name  string

	mu              sync.RWMutex
	loaded          bool
	uniqueID        int64
	uuid            string
	deviceSessionID string
	platformID      string
	permission      int
}

func newPlayer(w *World, name string) *Player {
	return &Player{world: w, name: name}
}

// Name returns the raw in-game name.
func (p *Player) Name() string {
	return p.name
}

func (p *Player) World() *World {
	return p.world
}

// IsLocal reports whether p is the player the client runs as.
func (p *Player) IsLocal() bool {
	return p.world.LocalPlayer() == p
}

// IsLoaded reports whether Load completed.
func (p *Player) IsLoaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loaded
}

func (p *Player) UniqueID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uniqueID
}

// UUID returns the persistent player UUID.
func (p *Player) UUID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uuid
}

func (p *Player) DeviceSessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deviceSessionID
}

// PlatformID returns the Xbox user id.
func (p *Player) PlatformID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.platformID
}

func (p *Player) PermissionLevel() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permission
}

// Load fetches the identity fields of p.
func (p *Player) Load(ctx context.Context) error {
	details, err := p.world.playerDetails(ctx)
	if err != nil {
		return err
	}
	d, ok := details[p.name]
	if !ok {
		return errors.Wrap(ErrPlayerNotFound, p.name)
	}
	p.apply(d)
	return nil
}

func (p *Player) apply(d playerDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uniqueID = d.ID
	p.uuid = d.UUID
	p.deviceSessionID = d.DeviceSessionID
	p.platformID = d.XUID
	p.permission = d.PermissionLevel
	p.loaded = true
}

// SendMessage shows message in the chat of p.
func (p *Player) SendMessage(ctx context.Context, message string) error {
	return p.world.tellraw(ctx, quoteName(p.name), message)
}

// RunCommand runs line as p using execute.
func (p *Player) RunCommand(ctx context.Context, line string, opts ...CommandOption) (CommandResult, error) {
	return p.world.RunCommand(ctx, "execute as "+quoteName(p.name)+" at @s run "+line, opts...)
}

func quoteName(name string) string {
	b, _ := json.Marshal(name)
	return string(b)
}

// ==================================================================
// listd
// ==================================================================

type playerDetails struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	UUID            string `json:"uuid"`
	DeviceSessionID string `json:"deviceSessionId"`
	XUID            string `json:"xuid"`
	PermissionLevel int    `json:"permissionLevel"`
}

// parseDetails extracts the JSON object listd embeds in its details field,
// e.g. "###* {...}\n*###".
func parseDetails(details string) (map[string]playerDetails, error) {
	start := strings.IndexByte(details, '{')
	end := strings.LastIndexByte(details, '}')
	if start < 0 || end < start {
		return nil, errors.Wrap(ErrUnexpectedResult, "listd details carry no object")
	}

	var payload struct {
		Result []playerDetails `json:"result"`
	}
	if err := json.Unmarshal([]byte(details[start:end+1]), &payload); err != nil {
		return nil, errors.Wrap(err, "parse listd details")
	}

	players := make(map[string]playerDetails, len(payload.Result))
	for _, d := range payload.Result {
		players[d.Name] = d
	}
	return players, nil
}
