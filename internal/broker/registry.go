package broker

import (
	"sync"

	"go.uber.org/zap"
)

// Registry holds the broker clients of every connected user, keyed by
// (user, broker, environment). Credential handling and client construction
// live outside the core; the registry only hands out shared references.
type Registry struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[clientKey]Client
}

type clientKey struct {
	userID      string
	broker      string
	environment string
}

// NewRegistry creates an empty broker registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("broker-registry"),
		clients: make(map[clientKey]Client),
	}
}

// Put registers (or replaces) a user's client.
func (r *Registry) Put(userID, brokerName, environment string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[clientKey{userID, brokerName, environment}] = client
	r.logger.Info("Registered broker client",
		zap.String("userId", userID),
		zap.String("broker", brokerName),
		zap.String("environment", environment))
}

// Get returns the user's client, or false when none is registered.
func (r *Registry) Get(userID, brokerName, environment string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientKey{userID, brokerName, environment}]
	return c, ok
}

// Remove drops a user's client, e.g. when credentials are revoked.
func (r *Registry) Remove(userID, brokerName, environment string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientKey{userID, brokerName, environment})
}

// ConnectedUsers returns the ids of users with at least one connected client.
func (r *Registry) ConnectedUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for k, c := range r.clients {
		if c.IsConnected() && !seen[k.userID] {
			seen[k.userID] = true
			users = append(users, k.userID)
		}
	}
	return users
}

// Each calls fn for every registered client.
func (r *Registry) Each(fn func(userID, brokerName, environment string, client Client)) {
	r.mu.RLock()
	snapshot := make(map[clientKey]Client, len(r.clients))
	for k, c := range r.clients {
		snapshot[k] = c
	}
	r.mu.RUnlock()

	for k, c := range snapshot {
		fn(k.userID, k.broker, k.environment, c)
	}
}
