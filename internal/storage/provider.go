package storage

import "reel/internal/ports"

// Provider is where finished renders are published.
type Provider = ports.StorageProvider
