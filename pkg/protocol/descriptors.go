package protocol

// Vec3 is a position in block space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ActorInfo describes a player or mob as reported in event bodies.
type ActorInfo struct {
	Color     string  `json:"color,omitempty"`
	Dimension int     `json:"dimension"`
	ID        int64   `json:"id"`
	Name      string  `json:"name,omitempty"`
	Position  Vec3    `json:"position"`
	Type      string  `json:"type"`
	Variant   int     `json:"variant"`
	YRot      float64 `json:"yRot"`
}

// BlockInfo describes a block type.
type BlockInfo struct {
	Aux       int    `json:"aux"`
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
}

// TypeID returns the namespaced block identifier, e.g. minecraft:stone.
func (b BlockInfo) TypeID() string {
	if b.Namespace == "" {
		return b.ID
	}
	return b.Namespace + ":" + b.ID
}

type Enchantment struct {
	Level int    `json:"level"`
	Name  string `json:"name"`
	Type  int    `json:"type"`
}

// ItemInfo describes an item stack.
type ItemInfo struct {
	Aux           int           `json:"aux"`
	Enchantments  []Enchantment `json:"enchantments,omitempty"`
	FreeStackSize int           `json:"freeStackSize"`
	ID            string        `json:"id"`
	MaxStackSize  int           `json:"maxStackSize"`
	Namespace     string        `json:"namespace"`
	StackSize     int           `json:"stackSize"`
}

// TypeID returns the namespaced item identifier.
func (i ItemInfo) TypeID() string {
	if i.Namespace == "" {
		return i.ID
	}
	return i.Namespace + ":" + i.ID
}
