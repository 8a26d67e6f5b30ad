package app

import "time"

// Store backend identifiers for Config.StoreBackend.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreMongo     = "mongo"
	StoreFirestore = "firestore"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// StoreBackend selects the document store: memory, postgres, mongo or
	// firestore. Memory is the dev fallback.
	StoreBackend string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	FirestoreProject string

	// ViewerID is the identity served to the sync engine. Identity
	// resolution proper lives outside this module; the daemon runs as one
	// fixed viewer.
	ViewerID string

	CatchupLimit int
	HistoryPage  int

	// WSOrigins is a comma-separated origin allowlist for the /ws bridge.
	WSOrigins string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		StoreBackend: EnvString("STORE", StoreMemory),

		DatabaseURL: EnvString("DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DB_MIN_CONNS", 0),

		MongoURI:        EnvString("MONGO_URI", ""),
		MongoDatabase:   EnvString("MONGO_DATABASE", "soulsync"),
		MongoCollection: EnvString("MONGO_COLLECTION", "documents"),

		FirestoreProject: EnvString("FIRESTORE_PROJECT", ""),

		ViewerID: EnvString("VIEWER_ID", ""),

		CatchupLimit: EnvInt("CATCHUP_LIMIT", 100),
		HistoryPage:  EnvInt("HISTORY_PAGE", 30),

		WSOrigins: EnvString("WS_ORIGINS", "http://localhost,http://127.0.0.1"),
	}
}
