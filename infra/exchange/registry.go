package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/britej3/signalkey/domain/market"
)

// Factory builds a Port for one exchange/market pair. cred == nil builds a
// public instance.
type Factory func(exchangeID string, marketType market.Type, cred *Credential) (Port, error)

// DefaultFactory knows the exchanges this build ships with.
func DefaultFactory(exchangeID string, marketType market.Type, cred *Credential) (Port, error) {
	switch strings.ToLower(exchangeID) {
	case "binance":
		switch marketType.Bucket() {
		case "future", "swap":
			return NewBinanceFutures(cred), nil
		default:
			return NewBinanceSpot(cred), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, exchangeID)
}

// Registry caches exchange instances: one public port per
// (exchange, market bucket) shared by all users, and one private port per
// (user, exchange, market bucket) built lazily from the active credential.
// Private ports stay open while any bot of that user references them; only
// CloseAll tears them down.
type Registry struct {
	factory Factory
	creds   CredentialSource
	log     *logrus.Entry

	mu      sync.Mutex
	public  map[string]Port
	private map[string]Port
}

func NewRegistry(factory Factory, creds CredentialSource) *Registry {
	if factory == nil {
		factory = DefaultFactory
	}
	return &Registry{
		factory: factory,
		creds:   creds,
		log:     logrus.WithField("component", "exchange_registry"),
		public:  make(map[string]Port),
		private: make(map[string]Port),
	}
}

func (r *Registry) Public(exchangeID string, marketType market.Type) (Port, error) {
	key := strings.ToLower(exchangeID) + ":" + marketType.Bucket()

	r.mu.Lock()
	defer r.mu.Unlock()

	if port, ok := r.public[key]; ok {
		return port, nil
	}
	port, err := r.factory(exchangeID, marketType, nil)
	if err != nil {
		return nil, err
	}
	r.public[key] = port
	r.log.WithField("key", key).Info("📊 Public exchange instance created")
	return port, nil
}

func (r *Registry) ForUser(ctx context.Context, userID, exchangeID string, marketType market.Type) (Port, error) {
	key := userID + ":" + strings.ToLower(exchangeID) + ":" + marketType.Bucket()

	r.mu.Lock()
	if port, ok := r.private[key]; ok {
		r.mu.Unlock()
		return port, nil
	}
	r.mu.Unlock()

	if r.creds == nil {
		return nil, ErrNoCredential
	}
	cred, err := r.creds.ActiveCredential(ctx, userID, exchangeID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNoCredential
	}

	port, err := r.factory(exchangeID, marketType, cred)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.private[key]; ok {
		port.Close()
		return existing, nil
	}
	r.private[key] = port
	r.log.WithFields(logrus.Fields{"user": userID, "key": key}).Info("🔐 Private exchange instance created")
	return port, nil
}

// RecyclePublic closes and drops the cached public instance so the next
// Public call builds a fresh one. Stream loops call this after a watch
// failure before reconnecting.
func (r *Registry) RecyclePublic(exchangeID string, marketType market.Type) {
	key := strings.ToLower(exchangeID) + ":" + marketType.Bucket()

	r.mu.Lock()
	defer r.mu.Unlock()
	if port, ok := r.public[key]; ok {
		if err := port.Close(); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("failed closing recycled instance")
		}
		delete(r.public, key)
	}
}

// SymbolSupported checks a normalized symbol against the public market list.
func (r *Registry) SymbolSupported(ctx context.Context, exchangeID string, marketType market.Type, symbol string) (bool, error) {
	port, err := r.Public(exchangeID, marketType)
	if err != nil {
		return false, err
	}
	markets, err := port.LoadMarkets(ctx)
	if err != nil {
		return false, err
	}
	info, ok := markets[symbol]
	return ok && info.Active, nil
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, port := range r.public {
		if err := port.Close(); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("failed closing public instance")
		}
		delete(r.public, key)
	}
	for key, port := range r.private {
		if err := port.Close(); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("failed closing private instance")
		}
		delete(r.private, key)
	}
}
