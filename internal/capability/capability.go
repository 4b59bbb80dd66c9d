// Package capability defines the struct handlers receive instead of a
// reference to the daemon core, breaking the cyclic reference spec §9
// flags between handlers and core state (core owns handlers, handlers
// need core state).
package capability

import (
	"log/slog"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/store"
)

// Stores bundles every persistent store a handler might need.
type Stores struct {
	Sessions  *store.SessionStore
	Messages  *store.MessageStore
	Tasks     *store.TaskStore
	Progress  *store.ProgressStore
	Workflows *store.WorkflowStore
	Retros    *store.RetroStore
	Council   *store.CouncilStore
}

// Features is the set of daemon feature toggles loaded from config,
// checked by handlers that gate behavior behind an opt-in flag (spec §9
// "feature flags").
type Features struct {
	AutoLaunch bool
	Council    bool
	Workspace  bool
}

// Capability is the narrow interface passed into each handler: enough
// state to do its job, nothing that would let it reach back into the
// connection layer or the router.
type Capability struct {
	Accounts *account.Registry
	Stores   Stores
	Bus      *eventbus.Bus
	Features Features
	Logger   *slog.Logger

	// Reply and Write let a handler push events or replies without
	// holding a reference to the connection it arrived on.
	Reply func(connID string, payload any) error
	Write func(connID string, event eventbus.Event) error
}
