package nickname

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var adjectives = []string{
	"Silent", "Funky", "Hidden", "Swift", "Mellow", "Cosmic", "Shady",
	"Witty", "Sneaky", "Gentle", "Rogue", "Lucid", "Velvet", "Misty",
	"Quirky", "Bold", "Drifting", "Electric", "Phantom", "Wandering",
}

var animals = []string{
	"Falcon", "Otter", "Panther", "Raven", "Badger", "Lynx", "Heron",
	"Viper", "Ferret", "Walrus", "Coyote", "Puffin", "Mantis", "Gecko",
	"Ocelot", "Magpie", "Stoat", "Ibis", "Marten", "Osprey",
}

// Generate produces a human-readable anonymous nickname like
// "SilentFalcon42".
func Generate() string {
	return fmt.Sprintf("%s%s%02d",
		adjectives[rand.Intn(len(adjectives))],
		animals[rand.Intn(len(animals))],
		rand.Intn(100),
	)
}

// Cache is the single persisted nickname slot. It is read once at
// startup and written whenever a nickname is (re)generated, surviving
// restarts the way the original browser client survived reloads.
type Cache struct {
	path string
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Load returns the cached nickname, generating and persisting a fresh
// one only if the slot is absent.
func (c *Cache) Load() (string, error) {
	data, err := os.ReadFile(c.path)
	if err == nil {
		if nick := strings.TrimSpace(string(data)); nick != "" {
			return nick, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	nick := Generate()
	if err := c.store(nick); err != nil {
		return "", err
	}
	return nick, nil
}

func (c *Cache) store(nick string) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, []byte(nick), 0o644)
}
