package store

import (
	"context"
	"sync"
	"time"

	"github.com/sfgrid-tech/sfgrid/core/csql"
)

// ConfigRegistry persists configuration documents by name, so that a rule
// set uploaded through the API survives a service restart.
type ConfigRegistry interface {
	// SaveConfig stores the document under the name, replacing any
	// previous version.
	SaveConfig(ctx context.Context, name string, data []byte) error
	// LoadConfig returns the document and the time it was stored. A zero
	// time means there is no stored document.
	LoadConfig(ctx context.Context, name string) ([]byte, time.Time, error)
}

// PostgresConfigs is the durable config registry.
type PostgresConfigs struct {
	db *csql.DB
}

// NewPostgresConfigs creates the registry and its table.
func NewPostgresConfigs(db *csql.DB) *PostgresConfigs {
	if db == nil {
		panic("DB is missing")
	}
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."config"
(name varchar NOT NULL,
document json NOT NULL,
stored_at timestamp NOT NULL,
PRIMARY KEY(name)
);`)
	if err != nil {
		panic(err)
	}
	return &PostgresConfigs{db: db}
}

// SaveConfig implements ConfigRegistry.
func (p *PostgresConfigs) SaveConfig(ctx context.Context, name string, data []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO `+p.db.Schema+`."config"(name,document,stored_at)
VALUES($1,$2,$3)
ON CONFLICT (name) DO UPDATE SET document=$2,stored_at=$3;`,
		name, string(data), time.Now().UTC())
	return err
}

// LoadConfig implements ConfigRegistry.
func (p *PostgresConfigs) LoadConfig(ctx context.Context, name string) ([]byte, time.Time, error) {
	var (
		document []byte
		storedAt time.Time
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT document, stored_at FROM `+p.db.Schema+`."config" WHERE name=$1;`,
		name).Scan(&document, &storedAt)
	if err == csql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return document, storedAt, nil
}

// MemoryConfigs is the in-process config registry.
type MemoryConfigs struct {
	mutex sync.RWMutex
	docs  map[string][]byte
	times map[string]time.Time
}

// NewMemoryConfigs creates an empty in-memory config registry.
func NewMemoryConfigs() *MemoryConfigs {
	return &MemoryConfigs{
		docs:  make(map[string][]byte),
		times: make(map[string]time.Time),
	}
}

// SaveConfig implements ConfigRegistry.
func (m *MemoryConfigs) SaveConfig(ctx context.Context, name string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.docs[name] = stored
	m.times[name] = time.Now().UTC()
	return nil
}

// LoadConfig implements ConfigRegistry.
func (m *MemoryConfigs) LoadConfig(ctx context.Context, name string) ([]byte, time.Time, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	doc, ok := m.docs[name]
	if !ok {
		return nil, time.Time{}, nil
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, m.times[name], nil
}
