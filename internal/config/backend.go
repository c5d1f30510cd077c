package config

// ConfigBackend is persistent key/value config storage. Lookup renders the
// stored value as text so every key goes through the same parser as its
// environment variable; Store keeps the typed value.
type ConfigBackend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key string, value any) error
}
