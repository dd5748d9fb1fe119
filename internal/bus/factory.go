package bus

import (
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// New builds the Message Bus implementation selected by configuration: a
// NATS-backed bus when nats.url is set, otherwise the in-process MemoryBus.
func New(cfg *config.Config, log *logger.Logger) (Bus, error) {
	if cfg.NATS.URL != "" {
		return NewNATSBus(cfg.NATS, log)
	}
	policy := DropNewest
	if cfg.Bus.DropPolicyPartial == string(DropOldest) {
		policy = DropOldest
	}
	return NewMemoryBus(cfg.Bus.MailboxCapacity, policy, log), nil
}
