package camera

import (
	"context"
	"sync"

	"go.viam.com/camserver/logging"
	"go.viam.com/camserver/utils"
)

// A Constructor builds a Source from its config.
type Constructor func(ctx context.Context, conf Config, logger logging.Logger) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// RegisterSource makes a model available to NewSource. It panics on duplicate registration.
func RegisterSource(model string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[model]; ok {
		panic("camera model " + model + " already registered")
	}
	registry[model] = constructor
}

// NewSource builds the source for conf.Model.
func NewSource(ctx context.Context, conf Config, logger logging.Logger) (Source, error) {
	registryMu.RLock()
	constructor, ok := registry[conf.Model]
	registryMu.RUnlock()
	if !ok {
		return nil, utils.NewUnknownTypeError("camera model", conf.Model)
	}
	return constructor(ctx, conf, logger.Sublogger(conf.Model))
}

// RegisteredModels lists the models that can be built.
func RegisteredModels() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	models := make([]string, 0, len(registry))
	for m := range registry {
		models = append(models, m)
	}
	return models
}
