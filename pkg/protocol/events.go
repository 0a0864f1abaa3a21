package protocol

const (
	IDPlayerMessage   ID = "PlayerMessage"
	IDPlayerTransform ID = "PlayerTransform"
	IDPlayerTravelled ID = "PlayerTravelled"
	IDBlockPlaced     ID = "BlockPlaced"
	IDBlockBroken     ID = "BlockBroken"
	IDItemUsed        ID = "ItemUsed"
	IDMobKilled       ID = "MobKilled"
)

// Message types of PlayerMessage.
const (
	MessageChat  = "chat"
	MessageSay   = "say"
	MessageTell  = "tell"
	MessageMe    = "me"
	MessageTitle = "title"
)

type PlayerMessage struct {
	Message  string `json:"message"`
	Receiver string `json:"receiver"`
	Sender   string `json:"sender"`
	Type     string `json:"type"`
}

func (*PlayerMessage) ID() ID            { return IDPlayerMessage }
func (*PlayerMessage) Purpose() Purpose  { return PurposeEvent }
func (*PlayerMessage) EventName() string { return string(IDPlayerMessage) }

type PlayerTransform struct {
	Player ActorInfo `json:"player"`
}

func (*PlayerTransform) ID() ID            { return IDPlayerTransform }
func (*PlayerTransform) Purpose() Purpose  { return PurposeEvent }
func (*PlayerTransform) EventName() string { return string(IDPlayerTransform) }

type PlayerTravelled struct {
	IsUnderwater    bool      `json:"isUnderwater"`
	MetersTravelled float64   `json:"metersTravelled"`
	NewBiome        int       `json:"newBiome"`
	Player          ActorInfo `json:"player"`
	TravelMethod    int       `json:"travelMethod"`
}

func (*PlayerTravelled) ID() ID            { return IDPlayerTravelled }
func (*PlayerTravelled) Purpose() Purpose  { return PurposeEvent }
func (*PlayerTravelled) EventName() string { return string(IDPlayerTravelled) }

type BlockPlaced struct {
	Block            BlockInfo `json:"block"`
	Count            int       `json:"count"`
	PlacedUnderWater bool      `json:"placedUnderWater"`
	PlacementMethod  int       `json:"placementMethod"`
	Player           ActorInfo `json:"player"`
	Tool             *ItemInfo `json:"tool,omitempty"`
}

func (*BlockPlaced) ID() ID            { return IDBlockPlaced }
func (*BlockPlaced) Purpose() Purpose  { return PurposeEvent }
func (*BlockPlaced) EventName() string { return string(IDBlockPlaced) }

type BlockBroken struct {
	Block             BlockInfo `json:"block"`
	Count             int       `json:"count"`
	DestructionMethod int       `json:"destructionMethod"`
	Player            ActorInfo `json:"player"`
	Tool              *ItemInfo `json:"tool,omitempty"`
	Variant           int       `json:"variant"`
}

func (*BlockBroken) ID() ID            { return IDBlockBroken }
func (*BlockBroken) Purpose() Purpose  { return PurposeEvent }
func (*BlockBroken) EventName() string { return string(IDBlockBroken) }

type ItemUsed struct {
	Count     int       `json:"count"`
	Item      ItemInfo  `json:"item"`
	Player    ActorInfo `json:"player"`
	UseMethod int       `json:"useMethod"`
}

func (*ItemUsed) ID() ID            { return IDItemUsed }
func (*ItemUsed) Purpose() Purpose  { return PurposeEvent }
func (*ItemUsed) EventName() string { return string(IDItemUsed) }

type MobKilled struct {
	IsMonster      bool      `json:"isMonster"`
	KillMethodType int       `json:"killMethodType"`
	Mob            ActorInfo `json:"mob"`
	Player         ActorInfo `json:"player"`
	Weapon         *ItemInfo `json:"weapon,omitempty"`
}

func (*MobKilled) ID() ID            { return IDMobKilled }
func (*MobKilled) Purpose() Purpose  { return PurposeEvent }
func (*MobKilled) EventName() string { return string(IDMobKilled) }
