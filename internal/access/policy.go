package access

import (
	"log/slog"

	"notebot/internal/domain"
)

// Policy is the static allow-list gate for the relay. Privileged users may
// trigger a sync from any chat; everyone else only from an allow-listed
// group chat. Pure and immutable after construction, so concurrent
// evaluation needs no locking.
type Policy struct {
	privileged map[string]struct{}
	channels   map[string]struct{}
}

// PolicyConfig configures the access policy.
type PolicyConfig struct {
	PrivilegedUsers []string
	AllowedChannels []string
	RulesFile       string // optional YAML file merged into both lists
	Logger          *slog.Logger
}

// NewPolicy builds the policy from config lists plus the optional rules file.
func NewPolicy(cfg PolicyConfig) *Policy {
	users := cfg.PrivilegedUsers
	channels := cfg.AllowedChannels

	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			cfg.Logger.Warn("cannot load access rules file, using config lists only",
				"path", cfg.RulesFile, "err", err)
		} else if rules != nil {
			users = append(users, rules.PrivilegedUsers...)
			channels = append(channels, rules.AllowedChannels...)
			cfg.Logger.Info("access rules loaded",
				"path", cfg.RulesFile,
				"users", len(rules.PrivilegedUsers),
				"channels", len(rules.AllowedChannels),
			)
		}
	}

	p := &Policy{
		privileged: make(map[string]struct{}, len(users)),
		channels:   make(map[string]struct{}, len(channels)),
	}
	for _, u := range users {
		p.privileged[u] = struct{}{}
	}
	for _, c := range channels {
		p.channels[c] = struct{}{}
	}
	return p
}

// Authorized reports whether the message's sender may invoke the relay.
// Privileged users pass regardless of origin; other senders pass only from
// an allow-listed group chat. Direct messages from unknown users never pass.
func (p *Policy) Authorized(msg domain.InboundMessage) bool {
	if _, ok := p.privileged[msg.SenderID]; ok {
		return true
	}
	if !msg.IsGroup {
		return false
	}
	_, ok := p.channels[msg.ChatID]
	return ok
}
