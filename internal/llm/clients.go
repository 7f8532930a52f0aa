package llm

import (
	"fmt"
	"sort"

	"github.com/mpataki/autodev/internal/config"
	"go.uber.org/zap"
)

// Clients holds one client per provider, built once per process and
// passed down to the agents that need them.
type Clients struct {
	byProvider map[Provider]Client
}

// NewClients builds a client for each named provider from creds.
func NewClients(creds config.Credentials, providers []string, logger *zap.Logger) (*Clients, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Clients{byProvider: map[Provider]Client{}}
	for _, name := range providers {
		p := Provider(name)
		if _, ok := c.byProvider[p]; ok {
			continue
		}

		key := creds.Key(name)
		if key == "" {
			return nil, fmt.Errorf("%w: %s", config.ErrMissingCredentials, config.EnvName(name))
		}

		opts := []Option{WithLogger(logger.With(zap.String("provider", name)))}
		switch p {
		case Groq:
			c.byProvider[p] = NewGroqClient(key, opts...)
		case Google:
			c.byProvider[p] = NewGeminiClient(key, opts...)
		case Cohere:
			c.byProvider[p] = NewCohereClient(key, opts...)
		default:
			return nil, fmt.Errorf("unknown model provider %q", name)
		}
	}
	return c, nil
}

// NewStaticClients wraps prebuilt clients, keyed by their provider.
func NewStaticClients(clients ...Client) *Clients {
	c := &Clients{byProvider: map[Provider]Client{}}
	for _, cl := range clients {
		c.byProvider[cl.Provider()] = cl
	}
	return c
}

func (c *Clients) Get(provider string) (Client, error) {
	cl, ok := c.byProvider[Provider(provider)]
	if !ok {
		return nil, fmt.Errorf("no client for provider %q", provider)
	}
	return cl, nil
}

func (c *Clients) Providers() []string {
	out := make([]string, 0, len(c.byProvider))
	for p := range c.byProvider {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
