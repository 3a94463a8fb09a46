package config

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/llm"
)

// Resolver builds model clients from provider config. Clients are cached
// per provider and model and shared by every session that names them.
type Resolver struct {
	cfg *Config
	log logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*llm.OpenAICompatClient
}

func NewResolver(cfg *Config, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{cfg: cfg, log: log, clients: make(map[string]*llm.OpenAICompatClient)}
}

// Client returns the client for a model reference (see Config.ModelRef).
func (r *Resolver) Client(ref string) (*llm.OpenAICompatClient, error) {
	providerName, model := r.cfg.ModelRef(ref)
	p, err := r.cfg.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if alias, ok := p.Models[model]; ok {
		model = alias
	}
	if model == "" {
		model = p.Models["default"]
	}
	if model == "" {
		return nil, fmt.Errorf("no model given for provider %s and no default model configured", providerName)
	}

	key := providerName + "/" + model
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c := llm.NewClient(p.BaseURL, p.APIKey, model).
		WithLogger(r.log.WithFields(logrus.Fields{"provider": providerName, "model": model}))
	r.clients[key] = c
	return c, nil
}

// Resolve implements sandbox.CompleterResolver.
func (r *Resolver) Resolve(subModel string) (llm.Completer, error) {
	c, err := r.Client(subModel)
	if err != nil {
		return nil, err
	}
	return c, nil
}
