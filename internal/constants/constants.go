package constants

const (
	AppName = "quantum-wallet-broker"

	ConfigFile   = "config.yaml"
	OriginsFile  = "origins.json"
	AccountsFile = "accounts.json"
	KeystoreDir  = "keystore"
	PairingFile  = "pairing_token.txt"

	EndpointsFile = "endpoints.json"
	SchemaV1      = 1

	// Badge text shown while any page is waiting for an access decision.
	BadgeAuth = "Auth"

	AssetTypeBalance = "balance"
	ModuleBalance    = "balance"

	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusReady        = "ready"
)

// SeedLengths are the mnemonic word counts accepted by seed.validate and
// accounts.create.suri.
var SeedLengths = []int{12, 24}
