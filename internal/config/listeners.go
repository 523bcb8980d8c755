package config

import "sync"

var (
	configListeners []chan Config
	listenersMu     sync.Mutex
)

// Updates returns a channel that receives the current configuration and
// every configuration applied afterwards. Slow receivers only see the latest.
func Updates() <-chan Config {
	ch := make(chan Config, 1)
	listenersMu.Lock()
	configListeners = append(configListeners, ch)
	listenersMu.Unlock()

	ch <- GetConfig()
	return ch
}

func notifyListeners(cfg Config) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range configListeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}
