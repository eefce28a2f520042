package forward

import (
	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
)

// NewFactory returns a port.ServiceFactory building services that log under
// "service[name]>" and share opts
func NewFactory(l port.Logger, opts Options) port.ServiceFactory {
	return func(name string, profile model.Profile, owner port.ServiceOwner) (port.ForwardService, error) {
		svc, err := NewService(name, profile, owner, logger.WithPrefix(l, "service["+name+"]>"), opts)
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}
